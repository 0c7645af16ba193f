package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DDL creates the log tables. Written to run unchanged on Postgres and
// SQLite; deployments normally apply it through db/migrations instead.
const DDL = `
CREATE TABLE IF NOT EXISTS record_versions (
	owner_id     TEXT NOT NULL,
	block_label  TEXT NOT NULL,
	version_seq  BIGINT NOT NULL,
	content      TEXT NOT NULL,
	author       TEXT NOT NULL,
	message      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (owner_id, block_label, version_seq)
);

CREATE TABLE IF NOT EXISTS pending_diffs (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	block_label     TEXT NOT NULL,
	field_name      TEXT NOT NULL,
	operation       TEXT NOT NULL,
	current_value   TEXT NOT NULL,
	proposed_value  TEXT NOT NULL,
	reasoning       TEXT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL,
	proposer        TEXT NOT NULL,
	reviewer        TEXT NOT NULL DEFAULT '',
	review_note     TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	reviewed_at     TEXT,
	applied_version BIGINT
);

CREATE INDEX IF NOT EXISTS idx_pending_diffs_block
	ON pending_diffs (owner_id, block_label, status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_diffs_live
	ON pending_diffs (owner_id, block_label, field_name)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS sync_mappings (
	owner_id         TEXT NOT NULL,
	block_label      TEXT NOT NULL,
	external_key     TEXT NOT NULL,
	last_pushed_hash TEXT NOT NULL DEFAULT '',
	out_of_sync      BOOLEAN NOT NULL DEFAULT FALSE,
	pushed_at        TEXT,
	PRIMARY KEY (owner_id, block_label)
);

CREATE TABLE IF NOT EXISTS owner_activity (
	owner_id         TEXT PRIMARY KEY,
	last_activity    TEXT NOT NULL,
	last_enriched_at TEXT
);
`

// EnsureSchema applies the embedded DDL. Used by the SQLite path and tests;
// Postgres deployments use ApplyMigrations.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
