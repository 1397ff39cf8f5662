package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const checkpointColumns = `detector, last_processed_at_ns, last_run_at_ns, last_success_at_ns, state, consecutive_failures, last_error`

// EnsureCheckpoint returns the checkpoint of detector, creating it at start
// on the detector's first run.
func (s *Store) EnsureCheckpoint(ctx context.Context, detector string, start time.Time) (*Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (detector, last_processed_at_ns, created_at_ns)
			VALUES (?, ?, ?)
			ON CONFLICT (detector) DO NOTHING
		`, detector, start.UnixNano(), time.Now().UnixNano())
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint %s: %w", detector, err)
	}

	return s.GetCheckpoint(ctx, detector)
}

// GetCheckpoint returns the checkpoint of detector.
func (s *Store) GetCheckpoint(ctx context.Context, detector string) (*Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE detector = ?`, detector)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", detector, ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get checkpoint %s: %w", detector, err))
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints ordered by detector name.
func (s *Store) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY detector`)
	if err != nil {
		return nil, classify(fmt.Errorf("list checkpoints: %w", err))
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, classify(rows.Err())
}

// RecordFailure stamps a failed tick. last_processed_at and the state blob
// are left untouched.
func (s *Store) RecordFailure(ctx context.Context, detector string, at time.Time, cause error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE checkpoints
			SET last_run_at_ns = ?, consecutive_failures = consecutive_failures + 1, last_error = ?
			WHERE detector = ?
		`, at.UnixNano(), msg, detector)
		return classify(err)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var processed, run, success int64
	if err := row.Scan(&cp.Detector, &processed, &run, &success, &cp.State, &cp.ConsecutiveFailures, &cp.LastError); err != nil {
		return nil, err
	}
	cp.LastProcessedAt = fromNanos(processed)
	cp.LastRunAt = fromNanos(run)
	cp.LastSuccessAt = fromNanos(success)
	return &cp, nil
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
