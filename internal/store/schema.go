package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order on every open. Each statement is
// idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "channels",
		sql: `CREATE TABLE IF NOT EXISTS channels (
			identity    VARCHAR PRIMARY KEY,
			description VARCHAR NOT NULL DEFAULT '',
			grp         VARCHAR NOT NULL DEFAULT '',
			unit        VARCHAR NOT NULL DEFAULT '',
			active      BOOLEAN NOT NULL DEFAULT true
		)`,
	},
	{
		name: "readings",
		sql: `CREATE TABLE IF NOT EXISTS readings (
			idempotency_key VARCHAR PRIMARY KEY,
			channel         VARCHAR NOT NULL,
			ts_ns           BIGINT NOT NULL,
			chunk_start_ns  BIGINT NOT NULL,
			value           DOUBLE NOT NULL,
			calibrated      DOUBLE,
			metadata        VARCHAR,
			ingested_at_ns  BIGINT NOT NULL
		)`,
	},
	{
		name: "readings.channel_ts",
		sql:  `CREATE INDEX IF NOT EXISTS idx_readings_channel_ts ON readings (channel, ts_ns)`,
	},
	{
		name: "readings.chunk",
		sql:  `CREATE INDEX IF NOT EXISTS idx_readings_chunk ON readings (chunk_start_ns)`,
	},
	{
		name: "chunk_files",
		sql: `CREATE TABLE IF NOT EXISTS chunk_files (
			path           VARCHAR PRIMARY KEY,
			chunk_start_ns BIGINT NOT NULL,
			chunk_end_ns   BIGINT NOT NULL,
			min_ts_ns      BIGINT NOT NULL,
			max_ts_ns      BIGINT NOT NULL,
			rows           BIGINT NOT NULL,
			bytes          BIGINT NOT NULL,
			created_at_ns  BIGINT NOT NULL
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
