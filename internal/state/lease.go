package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease takes the run-lock name for holder until now+ttl.
//
// The upsert only overwrites an expired row, so a live lease is never
// stolen. Each successful acquisition increments the fencing token.
// A held lock returns ErrLockHeld.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (Lease, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expires := now.Add(ttl)
	var token int64

	err := s.retryOnBusy(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO run_locks (name, holder, token, acquired_at_ns, expires_at_ns)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				holder = excluded.holder,
				token = run_locks.token + 1,
				acquired_at_ns = excluded.acquired_at_ns,
				expires_at_ns = excluded.expires_at_ns
			WHERE run_locks.expires_at_ns <= ?
			RETURNING token
		`, name, holder, now.UnixNano(), expires.UnixNano(), now.UnixNano()).Scan(&token)
		if err == sql.ErrNoRows {
			return err
		}
		return classify(err)
	})
	if err == sql.ErrNoRows {
		return Lease{}, fmt.Errorf("%s: %w", name, ErrLockHeld)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %s: %w", name, err)
	}

	return Lease{Name: name, Holder: holder, Token: token, ExpiresAt: expires}, nil
}

// ReleaseLease expires the lease if it is still held under the same token.
// Releasing a lease that was already reclaimed is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, l Lease) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE run_locks SET expires_at_ns = 0
			WHERE name = ? AND holder = ? AND token = ?
		`, l.Name, l.Holder, l.Token)
		return classify(err)
	})
}

// GetLease returns the current row of the run-lock name.
func (s *Store) GetLease(ctx context.Context, name string) (Lease, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var l Lease
	var expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, holder, token, expires_at_ns FROM run_locks WHERE name = ?
	`, name).Scan(&l.Name, &l.Holder, &l.Token, &expires)
	if err == sql.ErrNoRows {
		return Lease{}, fmt.Errorf("lease %s: %w", name, ErrLeaseLost)
	}
	if err != nil {
		return Lease{}, classify(fmt.Errorf("get lease %s: %w", name, err))
	}
	l.ExpiresAt = fromNanos(expires)
	return l, nil
}

// verifyLease fails with ErrLeaseLost unless l is the current, unexpired
// holder of its lock as of now.
func verifyLease(ctx context.Context, tx *sql.Tx, l Lease, now time.Time) error {
	var holder string
	var token, expires int64

	err := tx.QueryRowContext(ctx, `
		SELECT holder, token, expires_at_ns FROM run_locks WHERE name = ?
	`, l.Name).Scan(&holder, &token, &expires)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", l.Name, ErrLeaseLost)
	}
	if err != nil {
		return classify(fmt.Errorf("verify lease %s: %w", l.Name, err))
	}

	if holder != l.Holder || token != l.Token || expires <= now.UnixNano() {
		return fmt.Errorf("%s (token %d): %w", l.Name, l.Token, ErrLeaseLost)
	}
	return nil
}
