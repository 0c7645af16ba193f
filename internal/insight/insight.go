// Package insight wraps the theory-of-mind query service. The engine treats
// it as an opaque collaborator returning free text about an owner.
package insight

import (
	"context"
	"errors"
)

// Scope limits how much interaction history the source considers.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeRecent  Scope = "recent"
	ScopeCurrent Scope = "current"
)

// ErrUnavailable means the source could not be reached within its budget.
// Background callers log and move on; it never crashes the process.
var ErrUnavailable = errors.New("insight source unavailable")

// NoInsight is the sentinel a source returns (as an empty answer) when it
// has nothing to contribute about an owner.
const NoInsight = "NO_INSIGHT"

// Source produces a free-text observation about an owner, or "" when there
// is none.
type Source interface {
	Query(ctx context.Context, owner, question string, scope Scope) (string, error)
}

// SourceFunc adapts a function to Source; tests use it for stubs.
type SourceFunc func(ctx context.Context, owner, question string, scope Scope) (string, error)

func (f SourceFunc) Query(ctx context.Context, owner, question string, scope Scope) (string, error) {
	return f(ctx, owner, question, scope)
}
