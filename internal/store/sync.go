package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncMapping returns the mirror state for (owner,label), or ErrNotFound
// before the first push attempt.
func (s *Store) GetSyncMapping(ctx context.Context, owner, label string) (SyncMapping, error) {
	var m SyncMapping
	var pushed *string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, block_label, external_key, last_pushed_hash, out_of_sync, pushed_at
		FROM sync_mappings
		WHERE owner_id=$1 AND block_label=$2
	`, owner, label).Scan(&m.Owner, &m.Label, &m.ExternalKey, &m.LastPushedHash, &m.OutOfSync, &pushed)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncMapping{}, ErrNotFound
	}
	if err != nil {
		return SyncMapping{}, fmt.Errorf("get sync mapping: %w", err)
	}
	m.PushedAt = parseTimePtr(pushed)
	return m, nil
}

// MarkPushed records a successful push: new content hash, cleared
// out-of-sync flag.
func (s *Store) MarkPushed(ctx context.Context, owner, label, externalKey, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_mappings (owner_id, block_label, external_key, last_pushed_hash, out_of_sync, pushed_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (owner_id, block_label)
		DO UPDATE SET external_key=EXCLUDED.external_key, last_pushed_hash=EXCLUDED.last_pushed_hash,
			out_of_sync=FALSE, pushed_at=EXCLUDED.pushed_at
	`, owner, label, externalKey, hash, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	return nil
}

// MarkOutOfSync flags a mapping after retries were exhausted. The flag is
// cleared by the next successful push.
func (s *Store) MarkOutOfSync(ctx context.Context, owner, label, externalKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_mappings (owner_id, block_label, external_key, out_of_sync)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (owner_id, block_label)
		DO UPDATE SET out_of_sync=TRUE
	`, owner, label, externalKey)
	if err != nil {
		return fmt.Errorf("mark out of sync: %w", err)
	}
	return nil
}

// ListOutOfSync returns mappings still waiting on a successful push.
func (s *Store) ListOutOfSync(ctx context.Context, limit int) ([]SyncMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, block_label, external_key, last_pushed_hash, out_of_sync, pushed_at
		FROM sync_mappings
		WHERE out_of_sync
		ORDER BY owner_id, block_label
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list out of sync: %w", err)
	}
	defer rows.Close()

	items := make([]SyncMapping, 0)
	for rows.Next() {
		var m SyncMapping
		var pushed *string
		if err := rows.Scan(&m.Owner, &m.Label, &m.ExternalKey, &m.LastPushedHash, &m.OutOfSync, &pushed); err != nil {
			return nil, fmt.Errorf("scan sync mapping: %w", err)
		}
		m.PushedAt = parseTimePtr(pushed)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync mappings: %w", err)
	}
	return items, nil
}
