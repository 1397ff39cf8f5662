package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Commit persists the candidate events of one tick and advances the
// detector's checkpoint in a single transaction.
//
// The lease is re-verified inside the transaction: a tick whose lease
// expired or was reclaimed cannot commit. Events whose occurrence key is
// already stored are absorbed; only newly created events are returned.
// last_processed_at never moves backwards.
func (s *Store) Commit(ctx context.Context, lease Lease, detector string, events []*Event, cp CheckpointUpdate) ([]*Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var inserted []*Event

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]

		if err := verifyLease(ctx, tx, lease, cp.RunAt); err != nil {
			return err
		}

		for _, e := range events {
			e.Detector = detector
			ok, err := insertEvent(ctx, tx, e, cp.RunAt)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, e)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE checkpoints
			SET last_processed_at_ns = MAX(last_processed_at_ns, ?),
				last_run_at_ns = ?,
				last_success_at_ns = ?,
				state = ?,
				consecutive_failures = 0,
				last_error = ''
			WHERE detector = ?
		`, cp.LastProcessedAt.UnixNano(), cp.RunAt.UnixNano(), cp.RunAt.UnixNano(), cp.State, detector)
		if err != nil {
			return classify(fmt.Errorf("advance checkpoint %s: %w", detector, err))
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%s: %w", detector, ErrCheckpointNotFound)
		}
		return nil
	})
	if err != nil {
		// Event IDs assigned in a rolled-back attempt must not leak.
		for _, e := range events {
			e.ID = ""
			e.CreatedAt = time.Time{}
		}
		return nil, err
	}
	return inserted, nil
}
