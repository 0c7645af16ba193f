// Package memory is the engine's library surface: record reads and writes,
// history, documents, and the diff review workflow, with mirror sync and
// archival handed off to a background queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mentora/memory/internal/archive"
	"mentora/memory/internal/block"
	"mentora/memory/internal/codec"
	"mentora/memory/internal/diff"
	"mentora/memory/internal/mirror"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
)

// Service wires the engine together. Request-path methods are synchronous
// and surface errors directly; everything external runs on the task queue.
type Service struct {
	reg     *schema.Registry
	st      *store.Store
	cod     *codec.Codec
	diffs   *diff.Manager
	adapter *mirror.Adapter
	arch    *archive.Service
	queue   *taskQueue
	log     zerolog.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Mirror    *mirror.Adapter
	Archive   *archive.Service
	QueueSize int
}

func New(reg *schema.Registry, st *store.Store, cod *codec.Codec, diffs *diff.Manager, opts Options, log zerolog.Logger) *Service {
	return &Service{
		reg:     reg,
		st:      st,
		cod:     cod,
		diffs:   diffs,
		adapter: opts.Mirror,
		arch:    opts.Archive,
		queue:   newTaskQueue(opts.QueueSize, log),
		log:     log.With().Str("component", "memory").Logger(),
	}
}

// Start launches the background queue workers.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx, 2)
}

// Wait blocks until the queue workers stopped after cancellation.
func (s *Service) Wait() {
	s.queue.Wait()
}

// ReadRecord returns the current record and its version token. Records
// exist implicitly: an owner with no versions yet reads schema defaults
// under token 0.
func (s *Service) ReadRecord(ctx context.Context, owner, label string) (block.Record, int64, error) {
	b, ok := s.reg.Get(label)
	if !ok {
		return block.Record{}, 0, fmt.Errorf("unknown block label %q: %w", label, store.ErrNotFound)
	}
	head, err := s.st.Head(ctx, owner, label)
	if errors.Is(err, store.ErrNotFound) {
		record, merr := block.Materialize(b, s.reg.Generation())
		return record, 0, merr
	}
	if err != nil {
		return block.Record{}, 0, err
	}
	record, err := s.cod.Decode(b, s.reg.Generation(), head.Content)
	if err != nil {
		return block.Record{}, 0, err
	}
	return record, head.Seq, nil
}

// WriteField sets one field under the caller's version token and appends a
// version. A stale token returns store.ErrConflict: the record was changed
// concurrently, reload and retry.
func (s *Service) WriteField(ctx context.Context, owner, label, field string, value block.Value, author, message string, expected int64) (int64, error) {
	record, token, err := s.ReadRecord(ctx, owner, label)
	if err != nil {
		return 0, err
	}
	if token != expected {
		return 0, store.ErrConflict
	}
	next, err := record.Set(field, value)
	if err != nil {
		return 0, err
	}
	return s.writeRecord(ctx, owner, label, next, author, message, expected)
}

// WriteRecord replaces the whole record under the caller's version token.
func (s *Service) WriteRecord(ctx context.Context, owner, label string, record block.Record, author, message string, expected int64) (int64, error) {
	if record.Label != label {
		return 0, fmt.Errorf("record label %q does not match %q", record.Label, label)
	}
	return s.writeRecord(ctx, owner, label, record, author, message, expected)
}

func (s *Service) writeRecord(ctx context.Context, owner, label string, record block.Record, author, message string, expected int64) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}
	content, err := s.cod.Encode(record)
	if err != nil {
		return 0, err
	}
	seq, err := s.st.Write(ctx, owner, label, content, author, message, expected)
	if err != nil {
		return 0, err
	}
	s.afterWrite(owner, label, record, seq)
	return seq, nil
}

// History lists versions newest first.
func (s *Service) History(ctx context.Context, owner, label string, limit int) ([]store.Version, error) {
	return s.st.History(ctx, owner, label, limit)
}

// ReadAt rebuilds the record as of one historical version.
func (s *Service) ReadAt(ctx context.Context, owner, label string, seq int64) (block.Record, error) {
	b, ok := s.reg.Get(label)
	if !ok {
		return block.Record{}, fmt.Errorf("unknown block label %q: %w", label, store.ErrNotFound)
	}
	v, err := s.st.ReadAt(ctx, owner, label, seq)
	if err != nil {
		return block.Record{}, err
	}
	return s.cod.Decode(b, s.reg.Generation(), v.Content)
}

// ExportDocument renders the current record as the human-editable document.
func (s *Service) ExportDocument(ctx context.Context, owner, label, title string) ([]byte, error) {
	record, seq, err := s.ReadRecord(ctx, owner, label)
	if err != nil {
		return nil, err
	}
	updatedAt := time.Now().UTC()
	if seq > 0 {
		if v, err := s.st.ReadAt(ctx, owner, label, seq); err == nil {
			updatedAt = v.CreatedAt
		}
	}
	return s.cod.EncodeDocument(record, codec.Meta{
		Label:      label,
		Generation: s.reg.Generation(),
		UpdatedAt:  updatedAt,
		Title:      title,
	})
}

// ImportDocument decodes an edited document and writes it as a new version
// under the caller's token.
func (s *Service) ImportDocument(ctx context.Context, owner string, doc []byte, author string, expected int64) (int64, error) {
	meta, record, err := s.cod.DecodeDocument(doc)
	if err != nil {
		return 0, err
	}
	return s.writeRecord(ctx, owner, meta.Label, record, author, "manual document edit", expected)
}

// Propose creates a pending diff.
func (s *Service) Propose(ctx context.Context, in diff.ProposeInput) (store.Diff, error) {
	return s.diffs.Propose(ctx, in)
}

// ApproveDiff applies a pending diff and schedules the mirror push for the
// new version.
func (s *Service) ApproveDiff(ctx context.Context, id, reviewer string) (store.Diff, error) {
	d, err := s.diffs.Approve(ctx, id, reviewer)
	if err != nil {
		return store.Diff{}, err
	}
	s.afterApprove(ctx, d)
	return d, nil
}

// RejectDiff closes a diff without touching history.
func (s *Service) RejectDiff(ctx context.Context, id, reviewer, reason string) (store.Diff, error) {
	return s.diffs.Reject(ctx, id, reviewer, reason)
}

// ListDiffs returns an owner's diffs, optionally filtered.
func (s *Service) ListDiffs(ctx context.Context, owner, label, status string, limit int) ([]store.Diff, error) {
	return s.diffs.List(ctx, owner, label, status, limit)
}

// GetDiff returns one diff by id.
func (s *Service) GetDiff(ctx context.Context, id string) (store.Diff, error) {
	return s.diffs.Get(ctx, id)
}

func (s *Service) afterWrite(owner, label string, record block.Record, seq int64) {
	s.queue.Submit("touch-activity", func(ctx context.Context) {
		if err := s.st.TouchActivity(ctx, owner, time.Now()); err != nil {
			s.log.Warn().Err(err).Str("owner", owner).Msg("touch activity failed")
		}
	})
	s.enqueuePush(owner, label)
	s.enqueueArchive(owner, label, record, seq)
}

func (s *Service) afterApprove(ctx context.Context, d store.Diff) {
	s.enqueuePush(d.Owner, d.Label)
	if d.AppliedVersion == nil {
		return
	}
	record, _, err := s.ReadRecord(ctx, d.Owner, d.Label)
	if err != nil {
		s.log.Warn().Err(err).Str("diff", d.ID).Msg("read after approve failed")
		return
	}
	s.enqueueArchive(d.Owner, d.Label, record, *d.AppliedVersion)
}

func (s *Service) enqueuePush(owner, label string) {
	if s.adapter == nil {
		return
	}
	s.queue.Submit("mirror-push", func(ctx context.Context) {
		// Failures flag the mapping out-of-sync inside the adapter and
		// are retried by the resync loop.
		if err := s.adapter.Push(ctx, owner, label); err != nil {
			s.log.Warn().Err(err).Str("owner", owner).Str("label", label).Msg("mirror push failed")
		}
	})
}

func (s *Service) enqueueArchive(owner, label string, record block.Record, seq int64) {
	if s.arch == nil {
		return
	}
	doc, err := s.cod.EncodeDocument(record, codec.Meta{
		Label:      label,
		Generation: s.reg.Generation(),
		UpdatedAt:  time.Now().UTC(),
		Title:      owner + "/" + label,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Str("label", label).Msg("render archive document failed")
		return
	}
	s.queue.Submit("archive-document", func(ctx context.Context) {
		if err := s.arch.PutDocument(ctx, owner, label, seq, doc); err != nil {
			s.log.Warn().Err(err).Str("owner", owner).Str("label", label).Msg("archive put failed")
		}
	})
}
