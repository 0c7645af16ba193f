// Package diff implements the proposal lifecycle over the version log:
// pending -> approved | rejected | superseded | expired, all terminal.
package diff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mentora/memory/internal/block"
	"mentora/memory/internal/codec"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
	"mentora/memory/internal/util"
)

const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusSuperseded = "superseded"
	StatusExpired    = "expired"
)

const (
	OpAppend      = "append"
	OpReplace     = "replace"
	OpFullReplace = "full_replace"
)

// appendSeparator joins the current and proposed text on an append.
const appendSeparator = "\n\n"

// ErrSchemaMismatch means the diff targets a field that no longer exists in
// the active schema. The diff stays pending for manual resolution.
var ErrSchemaMismatch = errors.New("diff field no longer in active schema")

// ErrNotPending is returned when a terminal diff is reviewed again.
var ErrNotPending = errors.New("diff is not pending")

// Indexer receives terminal and new diffs for the admin search index.
// Indexing is out-of-band and never fails a lifecycle operation.
type Indexer interface {
	IndexDiff(store.Diff)
}

// Manager owns the diff lifecycle. It reads and writes records only through
// the version store, under the same optimistic token as manual edits.
type Manager struct {
	st      *store.Store
	reg     *schema.Registry
	cod     *codec.Codec
	indexer Indexer
	log     zerolog.Logger
}

func NewManager(st *store.Store, reg *schema.Registry, cod *codec.Codec, log zerolog.Logger) *Manager {
	return &Manager{st: st, reg: reg, cod: cod, log: log.With().Str("component", "diff").Logger()}
}

// SetIndexer attaches an optional search indexer.
func (m *Manager) SetIndexer(idx Indexer) {
	m.indexer = idx
}

// ProposeInput carries one suggested change to a single field.
type ProposeInput struct {
	Owner         string
	Label         string
	Field         string
	Operation     string
	ProposedValue string
	Reasoning     string
	Confidence    float64
	Proposer      string
}

// Propose validates the target against the active schema and creates a
// pending diff. Any live diff on the same (owner,label,field) is marked
// superseded in the same transaction, keeping at most one pending diff per
// field.
func (m *Manager) Propose(ctx context.Context, in ProposeInput) (store.Diff, error) {
	switch in.Operation {
	case OpAppend, OpReplace, OpFullReplace:
	default:
		return store.Diff{}, fmt.Errorf("propose: unknown operation %q", in.Operation)
	}

	b, ok := m.reg.Get(in.Label)
	if !ok {
		return store.Diff{}, fmt.Errorf("propose: unknown block label %q: %w", in.Label, store.ErrNotFound)
	}

	current := ""
	if in.Operation != OpFullReplace {
		spec, ok := b.Field(in.Field)
		if !ok {
			return store.Diff{}, &block.ValidationError{Label: in.Label, Field: in.Field, Msg: "unknown field"}
		}
		// Reject malformed proposed values before anything is stored.
		if _, err := codec.ParseField(spec, in.ProposedValue); err != nil {
			return store.Diff{}, err
		}
		record, err := m.currentRecord(ctx, in.Owner, b)
		if err != nil {
			return store.Diff{}, err
		}
		if v, ok := record.Get(in.Field); ok {
			current = codec.RenderField(v)
		}
	}

	d := store.Diff{
		ID:            util.NewID("diff"),
		Owner:         in.Owner,
		Label:         in.Label,
		Field:         in.Field,
		Operation:     in.Operation,
		CurrentValue:  current,
		ProposedValue: in.ProposedValue,
		Reasoning:     in.Reasoning,
		Confidence:    in.Confidence,
		Status:        StatusPending,
		Proposer:      in.Proposer,
		CreatedAt:     time.Now().UTC(),
	}

	superseded, err := m.st.InsertDiff(ctx, d, StatusSuperseded, StatusPending)
	if err != nil {
		return store.Diff{}, err
	}
	for _, id := range superseded {
		m.log.Info().Str("diff", id).Str("by", d.ID).Msg("superseded pending diff")
		m.reindex(ctx, id)
	}
	m.index(d)
	return d, nil
}

// Approve applies a pending diff: compute the next record from the diff
// operation, append one version under the current token, then move the diff
// to approved with applied_version set. A concurrent manual edit surfaces
// as store.ErrConflict; a field dropped from the schema surfaces as
// ErrSchemaMismatch and leaves the diff pending.
func (m *Manager) Approve(ctx context.Context, id, reviewer string) (store.Diff, error) {
	d, err := m.st.GetDiff(ctx, id)
	if err != nil {
		return store.Diff{}, err
	}
	if d.Status != StatusPending {
		return store.Diff{}, fmt.Errorf("approve %s: %w", id, ErrNotPending)
	}

	b, ok := m.reg.Get(d.Label)
	if !ok {
		return store.Diff{}, fmt.Errorf("approve %s: label %q: %w", id, d.Label, ErrSchemaMismatch)
	}

	record, token, err := m.currentRecordWithToken(ctx, d.Owner, b)
	if err != nil {
		return store.Diff{}, err
	}

	next, err := m.applyOperation(record, b, d)
	if err != nil {
		return store.Diff{}, err
	}
	if err := next.Validate(); err != nil {
		return store.Diff{}, err
	}

	content, err := m.cod.Encode(next)
	if err != nil {
		return store.Diff{}, err
	}
	message := fmt.Sprintf("approve diff %s (%s %s)", d.ID, d.Operation, d.Field)
	if d.Operation == OpFullReplace {
		message = fmt.Sprintf("approve diff %s (full replace)", d.ID)
	}
	seq, err := m.st.Write(ctx, d.Owner, d.Label, content, reviewer, message, token)
	if err != nil {
		return store.Diff{}, err
	}

	moved, err := m.st.ResolveDiff(ctx, d.ID, StatusPending, StatusApproved, reviewer, "approved", &seq)
	if err != nil {
		return store.Diff{}, err
	}
	if !moved {
		// The version is committed; only the status race is reported.
		return store.Diff{}, fmt.Errorf("approve %s: reviewed concurrently: %w", id, ErrNotPending)
	}
	m.reindex(ctx, d.ID)
	return m.st.GetDiff(ctx, d.ID)
}

// Reject moves a pending diff to rejected with a human-readable reason.
// History is untouched.
func (m *Manager) Reject(ctx context.Context, id, reviewer, reason string) (store.Diff, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected"
	}
	moved, err := m.st.ResolveDiff(ctx, id, StatusPending, StatusRejected, reviewer, reason, nil)
	if err != nil {
		return store.Diff{}, err
	}
	if !moved {
		if _, err := m.st.GetDiff(ctx, id); err != nil {
			return store.Diff{}, err
		}
		return store.Diff{}, fmt.Errorf("reject %s: %w", id, ErrNotPending)
	}
	m.reindex(ctx, id)
	return m.st.GetDiff(ctx, id)
}

// ExpireOlderThan sweeps pending diffs created before now-age.
func (m *Manager) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	ids, err := m.st.ExpireDiffs(ctx, StatusPending, StatusExpired, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.log.Info().Str("diff", id).Msg("expired unreviewed diff")
		m.reindex(ctx, id)
	}
	return len(ids), nil
}

// Get returns one diff by id.
func (m *Manager) Get(ctx context.Context, id string) (store.Diff, error) {
	return m.st.GetDiff(ctx, id)
}

// List returns diffs for an owner, optionally filtered by label and status.
func (m *Manager) List(ctx context.Context, owner, label, status string, limit int) ([]store.Diff, error) {
	return m.st.ListDiffs(ctx, owner, label, status, limit)
}

func (m *Manager) applyOperation(record block.Record, b schema.BlockSchema, d store.Diff) (block.Record, error) {
	if d.Operation == OpFullReplace {
		next, err := m.cod.Decode(b, record.Generation, []byte(d.ProposedValue))
		if err != nil {
			return block.Record{}, fmt.Errorf("apply full replace: %w", err)
		}
		return next, nil
	}

	spec, ok := b.Field(d.Field)
	if !ok {
		return block.Record{}, fmt.Errorf("apply %s: field %q: %w", d.ID, d.Field, ErrSchemaMismatch)
	}
	proposed, err := codec.ParseField(spec, d.ProposedValue)
	if err != nil {
		return block.Record{}, err
	}

	if d.Operation == OpAppend {
		current, _ := record.Get(d.Field)
		switch spec.Type {
		case schema.TypeString:
			joined := current.Str()
			if joined == "" {
				joined = proposed.Str()
			} else {
				joined = joined + appendSeparator + proposed.Str()
			}
			proposed = block.String(joined)
		case schema.TypeList:
			proposed = block.List(append(current.Items(), proposed.Items()...))
		default:
			return block.Record{}, fmt.Errorf("apply %s: append not supported for %s fields", d.ID, spec.Type)
		}
	}
	return record.Set(d.Field, proposed)
}

func (m *Manager) currentRecord(ctx context.Context, owner string, b schema.BlockSchema) (block.Record, error) {
	record, _, err := m.currentRecordWithToken(ctx, owner, b)
	return record, err
}

func (m *Manager) currentRecordWithToken(ctx context.Context, owner string, b schema.BlockSchema) (block.Record, int64, error) {
	head, err := m.st.Head(ctx, owner, b.Label)
	if errors.Is(err, store.ErrNotFound) {
		record, merr := block.Materialize(b, m.reg.Generation())
		return record, 0, merr
	}
	if err != nil {
		return block.Record{}, 0, err
	}
	record, err := m.cod.Decode(b, m.reg.Generation(), head.Content)
	if err != nil {
		return block.Record{}, 0, err
	}
	return record, head.Seq, nil
}

func (m *Manager) index(d store.Diff) {
	if m.indexer == nil {
		return
	}
	m.indexer.IndexDiff(d)
}

func (m *Manager) reindex(ctx context.Context, id string) {
	if m.indexer == nil {
		return
	}
	d, err := m.st.GetDiff(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("diff", id).Msg("reindex load failed")
		return
	}
	m.indexer.IndexDiff(d)
}
