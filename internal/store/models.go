package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no row matches (unknown owner/label/version/diff).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write carries a stale version token. The
// caller must re-read the current version and retry.
var ErrConflict = errors.New("version conflict: changed concurrently, reload and retry")

// Version is one immutable snapshot in the append-only log. History is never
// edited in place.
type Version struct {
	Owner     string
	Label     string
	Seq       int64
	Content   []byte
	Author    string
	Message   string
	CreatedAt time.Time
}

// ID renders the external version identifier.
func (v Version) ID() string {
	return fmt.Sprintf("v%d", v.Seq)
}

// Diff is a proposed single-field change held for review. Terminal rows are
// never mutated again.
type Diff struct {
	ID             string
	Owner          string
	Label          string
	Field          string
	Operation      string
	CurrentValue   string
	ProposedValue  string
	Reasoning      string
	Confidence     float64
	Status         string
	Proposer       string
	Reviewer       string
	ReviewNote     string
	CreatedAt      time.Time
	ReviewedAt     *time.Time
	AppliedVersion *int64
}

// SyncMapping tracks the mirror state of one (owner,label).
type SyncMapping struct {
	Owner          string
	Label          string
	ExternalKey    string
	LastPushedHash string
	OutOfSync      bool
	PushedAt       *time.Time
}

// OwnerActivity backs the enrichment scheduler's idle trigger.
type OwnerActivity struct {
	Owner          string
	LastActivity   time.Time
	LastEnrichedAt *time.Time
}

// Timestamps are stored as fixed-width UTC text so rows order and compare the
// same on Postgres and SQLite.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
