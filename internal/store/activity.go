package store

import (
	"context"
	"fmt"
	"time"
)

// TouchActivity records owner interaction time. Called on every
// request-path write so the idle trigger has fresh data.
func (s *Store) TouchActivity(ctx context.Context, owner string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_activity (owner_id, last_activity)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET last_activity=EXCLUDED.last_activity
	`, owner, fmtTime(at))
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// MarkEnriched stamps the last scheduler run for an owner, enforcing the
// cooldown between enrichment batches.
func (s *Store) MarkEnriched(ctx context.Context, owner string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_activity (owner_id, last_activity, last_enriched_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (owner_id) DO UPDATE SET last_enriched_at=EXCLUDED.last_enriched_at
	`, owner, fmtTime(at))
	if err != nil {
		return fmt.Errorf("mark enriched: %w", err)
	}
	return nil
}

// ListIdleOwners returns owners whose last activity is older than
// idleBefore and whose last enrichment is absent or older than
// cooldownBefore, capped at limit.
func (s *Store) ListIdleOwners(ctx context.Context, idleBefore, cooldownBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id
		FROM owner_activity
		WHERE last_activity <= $1
		  AND (last_enriched_at IS NULL OR last_enriched_at <= $2)
		ORDER BY last_activity ASC
		LIMIT $3
	`, fmtTime(idleBefore), fmtTime(cooldownBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list idle owners: %w", err)
	}
	defer rows.Close()

	owners := make([]string, 0)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan idle owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle owners: %w", err)
	}
	return owners, nil
}

// ListActiveOwners returns every owner with recorded activity, for
// interval-policy batches.
func (s *Store) ListActiveOwners(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id FROM owner_activity ORDER BY last_activity DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	owners := make([]string, 0)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}
