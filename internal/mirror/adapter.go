package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mentora/memory/internal/block"
	"mentora/memory/internal/codec"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
)

// Adapter reads current records and upserts them into the Target. Pushes
// are idempotent: the content digest is compared against the last
// successfully pushed digest and unchanged records skip the external call.
type Adapter struct {
	st          *store.Store
	reg         *schema.Registry
	cod         *codec.Codec
	target      Target
	log         zerolog.Logger
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
}

func NewAdapter(st *store.Store, reg *schema.Registry, cod *codec.Codec, target Target, log zerolog.Logger) *Adapter {
	return &Adapter{
		st:          st,
		reg:         reg,
		cod:         cod,
		target:      target,
		log:         log.With().Str("component", "mirror").Logger(),
		maxAttempts: 4,
		baseBackoff: 250 * time.Millisecond,
		maxBackoff:  5 * time.Second,
		callTimeout: 10 * time.Second,
	}
}

// Key derives the external key for (owner,label). Deterministic so the
// agent runtime can address records without a lookup table.
func Key(owner, label string) string {
	return fmt.Sprintf("memory:%s:%s", owner, label)
}

// Push mirrors the current record for (owner,label). A record that never
// got a version yet pushes its schema defaults. Exhausted retries flag the
// mapping out-of-sync and return the last error; callers on the interactive
// path run Push through the background queue, never inline.
func (a *Adapter) Push(ctx context.Context, owner, label string) error {
	b, ok := a.reg.Get(label)
	if !ok {
		return fmt.Errorf("push: unknown block label %q: %w", label, store.ErrNotFound)
	}

	record, err := a.currentRecord(ctx, owner, b)
	if err != nil {
		return err
	}
	digest, err := a.cod.Digest(record)
	if err != nil {
		return err
	}

	key := Key(owner, label)
	mapping, err := a.st.GetSyncMapping(ctx, owner, label)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && !mapping.OutOfSync && mapping.LastPushedHash == digest {
		a.log.Debug().Str("owner", owner).Str("label", label).Msg("mirror unchanged, skipping push")
		return nil
	}

	payload, err := a.cod.Encode(record)
	if err != nil {
		return err
	}

	if err := a.upsertWithRetry(ctx, key, payload); err != nil {
		a.log.Error().Err(err).Str("owner", owner).Str("label", label).Msg("push failed, flagging out of sync")
		if markErr := a.st.MarkOutOfSync(ctx, owner, label, key); markErr != nil {
			a.log.Error().Err(markErr).Str("owner", owner).Str("label", label).Msg("flag out of sync failed")
		}
		return err
	}

	if err := a.st.MarkPushed(ctx, owner, label, key, digest); err != nil {
		return err
	}
	a.log.Info().Str("owner", owner).Str("label", label).Msg("mirror updated")
	return nil
}

// Resync retries every mapping still flagged out-of-sync.
func (a *Adapter) Resync(ctx context.Context, limit int) {
	mappings, err := a.st.ListOutOfSync(ctx, limit)
	if err != nil {
		a.log.Error().Err(err).Msg("list out of sync failed")
		return
	}
	for _, m := range mappings {
		if ctx.Err() != nil {
			return
		}
		if err := a.Push(ctx, m.Owner, m.Label); err != nil {
			a.log.Warn().Err(err).Str("owner", m.Owner).Str("label", m.Label).Msg("resync push failed")
		}
	}
}

func (a *Adapter) upsertWithRetry(ctx context.Context, key string, payload []byte) error {
	backoff := a.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		lastErr = a.target.Upsert(callCtx, key, payload)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == a.maxAttempts {
			break
		}
		a.log.Warn().Err(lastErr).Str("key", key).Int("attempt", attempt).Msg("mirror upsert failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
	return fmt.Errorf("mirror upsert %s: %w", key, lastErr)
}

func (a *Adapter) currentRecord(ctx context.Context, owner string, b schema.BlockSchema) (block.Record, error) {
	head, err := a.st.Head(ctx, owner, b.Label)
	if errors.Is(err, store.ErrNotFound) {
		return block.Materialize(b, a.reg.Generation())
	}
	if err != nil {
		return block.Record{}, err
	}
	return a.cod.Decode(b, a.reg.Generation(), head.Content)
}
