package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const diffColumns = `id, owner_id, block_label, field_name, operation, current_value,
	proposed_value, reasoning, confidence, status, proposer, reviewer, review_note,
	created_at, reviewed_at, applied_version`

// InsertDiff stores a new pending diff, first marking any live diff on the
// same (owner,label,field) as superseded so at most one stays pending.
// Both steps commit in one transaction. A partial unique index backs the
// invariant; when a rival propose commits between our select and insert the
// index rejects us, and the retry sees the rival and supersedes it.
func (s *Store) InsertDiff(ctx context.Context, d Diff, supersededStatus, pendingStatus string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		superseded, err := s.insertDiffOnce(ctx, d, supersededStatus, pendingStatus)
		if err == nil {
			return superseded, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("insert diff: %w", lastErr)
}

func (s *Store) insertDiffOnce(ctx context.Context, d Diff, supersededStatus, pendingStatus string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin propose tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM pending_diffs
		WHERE owner_id=$1 AND block_label=$2 AND field_name=$3 AND status=$4
	`, d.Owner, d.Label, d.Field, pendingStatus)
	if err != nil {
		return nil, fmt.Errorf("find live diffs: %w", err)
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan live diff: %w", err)
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live diffs: %w", err)
	}

	now := fmtTime(time.Now())
	for _, id := range superseded {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_diffs SET status=$2, reviewed_at=$3 WHERE id=$1
		`, id, supersededStatus, now); err != nil {
			return nil, fmt.Errorf("supersede diff %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_diffs (id, owner_id, block_label, field_name, operation,
			current_value, proposed_value, reasoning, confidence, status, proposer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.Owner, d.Label, d.Field, d.Operation, d.CurrentValue, d.ProposedValue,
		d.Reasoning, d.Confidence, d.Status, d.Proposer, fmtTime(d.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert diff: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit propose tx: %w", err)
	}
	return superseded, nil
}

// GetDiff loads one diff by id.
func (s *Store) GetDiff(ctx context.Context, id string) (Diff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+diffColumns+`
		FROM pending_diffs WHERE id=$1
	`, id)
	d, err := scanDiff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Diff{}, ErrNotFound
	}
	if err != nil {
		return Diff{}, fmt.Errorf("get diff: %w", err)
	}
	return d, nil
}

// ListDiffs returns diffs for an owner, optionally filtered by label and
// status, newest first.
func (s *Store) ListDiffs(ctx context.Context, owner, label, status string, limit int) ([]Diff, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+diffColumns+`
		FROM pending_diffs
		WHERE owner_id=$1
		  AND ($2='' OR block_label=$2)
		  AND ($3='' OR status=$3)
		ORDER BY created_at DESC
		LIMIT $4
	`, owner, label, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	items := make([]Diff, 0)
	for rows.Next() {
		d, err := scanDiff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diffs: %w", err)
	}
	return items, nil
}

// ResolveDiff moves a diff from fromStatus to a terminal status. Returns
// false when the diff was not in fromStatus (already terminal or missing),
// so terminal rows can never be mutated again.
func (s *Store) ResolveDiff(ctx context.Context, id, fromStatus, toStatus, reviewer, note string, appliedVersion *int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_diffs
		SET status=$3, reviewer=$4, review_note=$5, reviewed_at=$6, applied_version=$7
		WHERE id=$1 AND status=$2
	`, id, fromStatus, toStatus, reviewer, note, fmtTime(time.Now()), appliedVersion)
	if err != nil {
		return false, fmt.Errorf("resolve diff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve diff rows: %w", err)
	}
	return affected > 0, nil
}

// ExpireDiffs marks every diff still in pendingStatus and older than cutoff
// as expiredStatus, returning the affected ids.
func (s *Store) ExpireDiffs(ctx context.Context, pendingStatus, expiredStatus string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM pending_diffs WHERE status=$1 AND created_at < $2
	`, pendingStatus, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find stale diffs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale diff: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale diffs: %w", err)
	}

	now := fmtTime(time.Now())
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE pending_diffs SET status=$2, reviewed_at=$3 WHERE id=$1 AND status=$4
		`, id, expiredStatus, now, pendingStatus); err != nil {
			return nil, fmt.Errorf("expire diff %s: %w", id, err)
		}
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiff(row rowScanner) (Diff, error) {
	var d Diff
	var created string
	var reviewed *string
	err := row.Scan(
		&d.ID,
		&d.Owner,
		&d.Label,
		&d.Field,
		&d.Operation,
		&d.CurrentValue,
		&d.ProposedValue,
		&d.Reasoning,
		&d.Confidence,
		&d.Status,
		&d.Proposer,
		&d.Reviewer,
		&d.ReviewNote,
		&created,
		&reviewed,
		&d.AppliedVersion,
	)
	if err != nil {
		return Diff{}, err
	}
	d.CreatedAt = parseTime(created)
	d.ReviewedAt = parseTimePtr(reviewed)
	return d, nil
}
