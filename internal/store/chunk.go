package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/peebot/internal/storage/types"
)

// HotChunks lists hot partitions whose whole range ends at or before
// cutoff, oldest first.
func (s *Store) HotChunks(ctx context.Context, cutoff time.Time) ([]types.Chunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	iv := s.config.ChunkInterval
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_start_ns, COUNT(*)
		FROM readings
		WHERE chunk_start_ns <= ?
		GROUP BY chunk_start_ns
		ORDER BY chunk_start_ns
	`, cutoff.Add(-iv).UnixNano())
	if err != nil {
		return nil, classify(fmt.Errorf("list hot chunks: %w", err))
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var startNs, n int64
		if err := rows.Scan(&startNs, &n); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		start := time.Unix(0, startNs).UTC()
		chunks = append(chunks, types.Chunk{Start: start, End: start.Add(iv), Rows: n})
	}
	return chunks, classify(rows.Err())
}

// ChunkWriter persists the rows of one chunk and returns the file path and
// its size. It runs inside the compaction transaction.
type ChunkWriter func(chunk types.Chunk, readings []types.Reading) (path string, bytes int64, err error)

// CompactChunk moves the hot rows of one chunk into a file produced by write.
//
// Export, catalog insert and delete share one transaction, so a reading
// committed concurrently after the snapshot stays in the hot table for the
// next pass. When the transaction fails after write succeeded, the file is
// returned for the caller to remove.
func (s *Store) CompactChunk(ctx context.Context, chunk types.Chunk, write ChunkWriter) (rows int64, orphan string, err error) {
	startNs := chunk.Start.UnixNano()

	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		q, err := tx.QueryContext(ctx, `
			SELECT `+readingColumns+`
			FROM readings
			WHERE chunk_start_ns = ?
			ORDER BY channel, ts_ns, idempotency_key
		`, startNs)
		if err != nil {
			return classify(fmt.Errorf("export chunk: %w", err))
		}
		readings, err := scanReadings(q, int(chunk.Rows))
		q.Close()
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			return nil
		}

		path, size, err := write(chunk, readings)
		if err != nil {
			return fmt.Errorf("write chunk file: %w", err)
		}
		orphan = path

		minTs, maxTs := readings[0].Timestamp, readings[0].Timestamp
		for _, r := range readings[1:] {
			if r.Timestamp.Before(minTs) {
				minTs = r.Timestamp
			}
			if r.Timestamp.After(maxTs) {
				maxTs = r.Timestamp
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_files (path, chunk_start_ns, chunk_end_ns, min_ts_ns, max_ts_ns, rows, bytes, created_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, path, startNs, chunk.End.UnixNano(), minTs.UnixNano(), maxTs.UnixNano(),
			len(readings), size, time.Now().UnixNano()); err != nil {
			return classify(fmt.Errorf("register chunk file: %w", err))
		}

		// Delete exactly the exported keys; rows that arrived after the
		// snapshot are not visible here and remain hot.
		for _, r := range readings {
			if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE idempotency_key = ?`, r.IdempotencyKey); err != nil {
				return classify(fmt.Errorf("delete compacted row: %w", err))
			}
		}

		rows = int64(len(readings))
		return nil
	})
	if err != nil {
		return 0, orphan, err
	}
	return rows, "", nil
}

// DropHotBefore deletes hot rows of every chunk ending at or before cutoff.
func (s *Store) DropHotBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE chunk_start_ns <= ?`,
		cutoff.Add(-s.config.ChunkInterval).UnixNano())
	if err != nil {
		return 0, classify(fmt.Errorf("drop hot rows: %w", err))
	}
	return res.RowsAffected()
}

// CountHotBefore counts hot rows DropHotBefore would delete.
func (s *Store) CountHotBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE chunk_start_ns <= ?`,
		cutoff.Add(-s.config.ChunkInterval).UnixNano()).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count hot rows: %w", err))
	}
	return n, nil
}

// ChunkFiles lists compressed chunk files. With a non-zero window only files
// whose timestamp range overlaps [from, to] are returned.
func (s *Store) ChunkFiles(ctx context.Context, from, to time.Time) ([]types.Chunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT path, chunk_start_ns, chunk_end_ns, rows, bytes FROM chunk_files`
	var args []interface{}
	if !from.IsZero() || !to.IsZero() {
		query += ` WHERE max_ts_ns >= ? AND min_ts_ns <= ?`
		args = append(args, from.UnixNano(), to.UnixNano())
	}
	query += ` ORDER BY chunk_start_ns, path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list chunk files: %w", err))
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var startNs, endNs int64
		if err := rows.Scan(&c.Path, &startNs, &endNs, &c.Rows, &c.Bytes); err != nil {
			return nil, fmt.Errorf("scan chunk file: %w", err)
		}
		c.Start = time.Unix(0, startNs).UTC()
		c.End = time.Unix(0, endNs).UTC()
		c.Compressed = true
		chunks = append(chunks, c)
	}
	return chunks, classify(rows.Err())
}

// ChunkFilesAt lists the compressed files of the chunk starting at start.
func (s *Store) ChunkFilesAt(ctx context.Context, start time.Time) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM chunk_files WHERE chunk_start_ns = ? ORDER BY path`,
		start.UnixNano())
	if err != nil {
		return nil, classify(fmt.Errorf("list chunk files at %s: %w", start.Format(time.RFC3339), err))
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan chunk file: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, classify(rows.Err())
}

// ExpiredChunkFiles lists compressed files whose chunk ends at or before cutoff.
func (s *Store) ExpiredChunkFiles(ctx context.Context, cutoff time.Time) ([]types.Chunk, error) {
	all, err := s.ChunkFiles(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	var expired []types.Chunk
	for _, c := range all {
		if !c.End.After(cutoff) {
			expired = append(expired, c)
		}
	}
	return expired, nil
}

// ForgetChunkFile removes a file from the catalog.
func (s *Store) ForgetChunkFile(ctx context.Context, path string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_files WHERE path = ?`, path); err != nil {
		return classify(fmt.Errorf("forget chunk file %s: %w", path, err))
	}
	return nil
}
