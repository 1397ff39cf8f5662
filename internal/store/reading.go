package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/storage/types"
)

const readingColumns = `idempotency_key, channel, ts_ns, value, calibrated, metadata, ingested_at_ns`

// InsertReading stores r unless its idempotency key is already present.
//
// The primary key on idempotency_key is the only dedup mechanism: two
// concurrent inserts of one key produce one row. A conflicting concurrent
// transaction surfaces as a driver error; the key is then looked up and a
// stored row is reported as Duplicate.
func (s *Store) InsertReading(ctx context.Context, r *types.Reading) (types.InsertResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return 0, err
	}

	chunk := types.ChunkStart(r.Timestamp, s.config.ChunkInterval)

	var inserted bool
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO readings (`+readingColumns+`, chunk_start_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING true
	`, r.IdempotencyKey, r.Channel, r.Timestamp.UnixNano(), r.Value, nullableFloat(r.Calibrated), md,
		r.IngestedAt.UnixNano(), chunk.UnixNano()).Scan(&inserted)

	switch {
	case err == sql.ErrNoRows:
		return types.Duplicate, nil
	case err == nil:
		return types.Inserted, nil
	}

	err = classify(fmt.Errorf("insert reading %s: %w", r.IdempotencyKey, err))
	if errors.IsDuplicate(err) || errors.Is(err, ErrBusy) {
		if exists, lookupErr := s.ReadingExists(context.WithoutCancel(ctx), r.IdempotencyKey); lookupErr == nil && exists {
			return types.Duplicate, nil
		}
		// The competing writer rolled back; the caller retries.
		return 0, errors.Mark(err, ErrBusy)
	}
	return 0, err
}

// ReadingExists reports whether a row with key is stored in the hot table.
func (s *Store) ReadingExists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM readings WHERE idempotency_key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("lookup reading %s: %w", key, err))
	}
	return true, nil
}

// QueryWindow returns hot readings of one channel with from <= ts <= to,
// ascending by source timestamp.
func (s *Store) QueryWindow(ctx context.Context, channel string, from, to time.Time) ([]types.Reading, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE channel = ? AND ts_ns >= ? AND ts_ns <= ?
		ORDER BY ts_ns ASC, idempotency_key ASC
	`, channel, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, classify(fmt.Errorf("query window %s: %w", channel, err))
	}
	defer rows.Close()

	return scanReadings(rows, 64)
}

// LatestReadings returns up to limit readings of one channel, newest first.
func (s *Store) LatestReadings(ctx context.Context, channel string, limit int) ([]types.Reading, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE channel = ?
		ORDER BY ts_ns DESC, idempotency_key DESC
		LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("latest readings %s: %w", channel, err))
	}
	defer rows.Close()

	return scanReadings(rows, limit)
}

// CountReadings returns the number of hot rows, optionally for one channel.
func (s *Store) CountReadings(ctx context.Context, channel string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT COUNT(*) FROM readings`
	var args []interface{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count readings: %w", err))
	}
	return n, nil
}

func scanReadings(rows *sql.Rows, capacity int) ([]types.Reading, error) {
	readings := make([]types.Reading, 0, capacity)

	for rows.Next() {
		var (
			r          types.Reading
			tsNs       int64
			ingestedNs int64
			calibrated sql.NullFloat64
			md         sql.NullString
		)
		if err := rows.Scan(&r.IdempotencyKey, &r.Channel, &tsNs, &r.Value, &calibrated, &md, &ingestedNs); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}

		r.Timestamp = time.Unix(0, tsNs).UTC()
		r.IngestedAt = time.Unix(0, ingestedNs).UTC()
		if calibrated.Valid {
			v := calibrated.Float64
			r.Calibrated = &v
		}
		if md.Valid && md.String != "" {
			if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.IdempotencyKey, err)
			}
		}

		readings = append(readings, r)
	}

	return readings, classify(rows.Err())
}

func encodeMetadata(md map[string]string) (interface{}, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
