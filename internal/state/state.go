// Package state provides the SQLite-backed checkpoint store, event store and
// detector run-lock leases.
//
// Every cross-cutting invariant lives in the schema: one checkpoint row per
// detector, UNIQUE(event_type, channel, occurrence_key) on events, and a
// fencing token on each lease that the commit transaction re-checks.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xtxerr/peebot/config"
)

// Config holds state store options.
type Config struct {
	// Path is the SQLite file. ":memory:" opens a shared in-memory database.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// MaxRetries bounds retries of a transaction that still hits SQLITE_BUSY.
	MaxRetries int

	// QueryTimeout bounds a single call.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:         config.DefaultStatePath,
		BusyTimeout:  config.DefaultBusyTimeout,
		MaxRetries:   5,
		QueryTimeout: config.DefaultQueryTimeout,
	}
}

// Store is the durable owner of checkpoints, events and leases.
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
}

// Open opens (and migrates) the state database.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = config.DefaultBusyTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = config.DefaultQueryTimeout
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For in-memory databases, limit to 1 connection so every caller sees
	// the same database
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, config: cfg}, nil
}

func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	if cfg.Path == ":memory:" {
		return "file::memory:?cache=shared&" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify(s.db.PingContext(ctx))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// transaction runs fn in an IMMEDIATE transaction, retrying on SQLITE_BUSY
// with jittered exponential backoff on top of the driver's busy timeout.
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("begin transaction: %w", err))
		}

		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return classify(fmt.Errorf("commit transaction: %w", err))
		}
		return nil
	})
}

func (s *Store) retryOnBusy(ctx context.Context, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == s.config.MaxRetries {
			return err
		}

		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

// =============================================================================
// Schema
// =============================================================================

var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "checkpoints",
		sql: `CREATE TABLE IF NOT EXISTS checkpoints (
			detector             TEXT PRIMARY KEY,
			last_processed_at_ns INTEGER NOT NULL,
			last_run_at_ns       INTEGER NOT NULL DEFAULT 0,
			last_success_at_ns   INTEGER NOT NULL DEFAULT 0,
			state                BLOB,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error           TEXT NOT NULL DEFAULT '',
			created_at_ns        INTEGER NOT NULL
		)`,
	},
	{
		name: "events",
		sql: `CREATE TABLE IF NOT EXISTS events (
			id                TEXT PRIMARY KEY,
			event_type        TEXT NOT NULL,
			channel           TEXT NOT NULL,
			occurrence_key    TEXT NOT NULL,
			detector          TEXT NOT NULL,
			detected_at_ns    INTEGER NOT NULL,
			confidence        REAL NOT NULL,
			metadata          TEXT,
			action_status     TEXT NOT NULL DEFAULT 'pending',
			action_id         TEXT,
			posted_at_ns      INTEGER,
			action_attempts   INTEGER NOT NULL DEFAULT 0,
			last_action_error TEXT NOT NULL DEFAULT '',
			created_at_ns     INTEGER NOT NULL,
			UNIQUE (event_type, channel, occurrence_key)
		)`,
	},
	{
		name: "events_status_index",
		sql:  `CREATE INDEX IF NOT EXISTS idx_events_status ON events(action_status, created_at_ns)`,
	},
	{
		name: "events_posted_index",
		sql:  `CREATE INDEX IF NOT EXISTS idx_events_posted ON events(event_type, channel, posted_at_ns)`,
	},
	{
		name: "run_locks",
		sql: `CREATE TABLE IF NOT EXISTS run_locks (
			name           TEXT PRIMARY KEY,
			holder         TEXT NOT NULL,
			token          INTEGER NOT NULL,
			acquired_at_ns INTEGER NOT NULL,
			expires_at_ns  INTEGER NOT NULL
		)`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
