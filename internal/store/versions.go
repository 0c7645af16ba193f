package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the shared append-only log for all owners. One relational table
// holds every (owner,label) history; there is deliberately no per-owner
// repository or file tree, which stops scaling past low thousands of owners.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Write appends one version guarded by the optimistic token: expected must
// equal the current head sequence (0 when no version exists yet). A stale
// token returns ErrConflict and commits nothing.
func (s *Store) Write(ctx context.Context, owner, label string, content []byte, author, message string, expected int64) (int64, error) {
	seq := expected + 1
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO record_versions (owner_id, block_label, version_seq, content, author, message, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT COALESCE(MAX(version_seq), 0) FROM record_versions WHERE owner_id=$1 AND block_label=$2) = $8
	`, owner, label, seq, string(content), author, message, fmtTime(time.Now()), expected)
	if err != nil {
		// Two writers racing on the same token can both pass the guard
		// subquery; the loser then hits the sequence primary key.
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("write version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write version rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrConflict
	}
	return seq, nil
}

// Append writes without a caller-held token by re-reading the head and
// retrying a few times under contention.
func (s *Store) Append(ctx context.Context, owner, label string, content []byte, author, message string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		head, err := s.headSeq(ctx, owner, label)
		if err != nil {
			return 0, err
		}
		seq, err := s.Write(ctx, owner, label, content, author, message, head)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// Head returns the latest committed version. Reads never block writers.
func (s *Store) Head(ctx context.Context, owner, label string) (Version, error) {
	var v Version
	var content, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, block_label, version_seq, content, author, message, created_at
		FROM record_versions
		WHERE owner_id=$1 AND block_label=$2
		ORDER BY version_seq DESC
		LIMIT 1
	`, owner, label).Scan(&v.Owner, &v.Label, &v.Seq, &content, &v.Author, &v.Message, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("read head: %w", err)
	}
	v.Content = []byte(content)
	v.CreatedAt = parseTime(created)
	return v, nil
}

// ReadAt returns one historical version by sequence.
func (s *Store) ReadAt(ctx context.Context, owner, label string, seq int64) (Version, error) {
	var v Version
	var content, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, block_label, version_seq, content, author, message, created_at
		FROM record_versions
		WHERE owner_id=$1 AND block_label=$2 AND version_seq=$3
	`, owner, label, seq).Scan(&v.Owner, &v.Label, &v.Seq, &content, &v.Author, &v.Message, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("read version %d: %w", seq, err)
	}
	v.Content = []byte(content)
	v.CreatedAt = parseTime(created)
	return v, nil
}

// History lists versions most recent first. limit <= 0 means 50.
func (s *Store) History(ctx context.Context, owner, label string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, block_label, version_seq, content, author, message, created_at
		FROM record_versions
		WHERE owner_id=$1 AND block_label=$2
		ORDER BY version_seq DESC
		LIMIT $3
	`, owner, label, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var v Version
		var content, created string
		if err := rows.Scan(&v.Owner, &v.Label, &v.Seq, &content, &v.Author, &v.Message, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Content = []byte(content)
		v.CreatedAt = parseTime(created)
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// HistoryAsc lists the full history oldest first, for export tooling.
func (s *Store) HistoryAsc(ctx context.Context, owner, label string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, block_label, version_seq, content, author, message, created_at
		FROM record_versions
		WHERE owner_id=$1 AND block_label=$2
		ORDER BY version_seq ASC
	`, owner, label)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var v Version
		var content, created string
		if err := rows.Scan(&v.Owner, &v.Label, &v.Seq, &content, &v.Author, &v.Message, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Content = []byte(content)
		v.CreatedAt = parseTime(created)
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (s *Store) headSeq(ctx context.Context, owner, label string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_seq), 0)
		FROM record_versions
		WHERE owner_id=$1 AND block_label=$2
	`, owner, label).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read head seq: %w", err)
	}
	return seq, nil
}
