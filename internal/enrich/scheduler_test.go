package enrich

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mentora/memory/internal/codec"
	"mentora/memory/internal/diff"
	"mentora/memory/internal/insight"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
)

const testConfig = `{
	"blocks": [
		{
			"label": "observations",
			"fields": [
				{"name": "notes", "type": "string"}
			]
		}
	]
}`

func newTestScheduler(t *testing.T, cfg Config, source insight.Source) (*Scheduler, *store.Store, *diff.Manager) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	reg, err := schema.Load([]byte(testConfig))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	st := store.New(db)
	cod := codec.New(reg, zerolog.Nop())
	mgr := diff.NewManager(st, reg, cod, zerolog.Nop())
	if cfg.Target == (Target{}) {
		cfg.Target = Target{Label: "observations", Field: "notes", Operation: diff.OpAppend}
	}
	return NewScheduler(cfg, st, mgr, source, zerolog.Nop()), st, mgr
}

func touch(t *testing.T, st *store.Store, owner string, at time.Time) {
	t.Helper()
	if err := st.TouchActivity(context.Background(), owner, at); err != nil {
		t.Fatalf("touch %s: %v", owner, err)
	}
}

func TestRunBatchProposesDiffs(t *testing.T) {
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		return "Struggles with fractions.", nil
	})
	s, st, mgr := newTestScheduler(t, Config{Policy: PolicyInterval}, source)
	ctx := context.Background()

	touch(t, st, "owner-1", time.Now())
	touch(t, st, "owner-2", time.Now())

	s.RunBatch(ctx)

	for _, owner := range []string{"owner-1", "owner-2"} {
		diffs, err := mgr.List(ctx, owner, "", diff.StatusPending, 0)
		if err != nil {
			t.Fatalf("list %s: %v", owner, err)
		}
		if len(diffs) != 1 {
			t.Fatalf("expected one pending diff for %s, got %d", owner, len(diffs))
		}
		d := diffs[0]
		if d.ProposedValue != "Struggles with fractions." {
			t.Errorf("unexpected proposed value %q", d.ProposedValue)
		}
		if d.Proposer != "enrichment-scheduler" {
			t.Errorf("unexpected proposer %q", d.Proposer)
		}
		if d.Field != "notes" || d.Operation != diff.OpAppend {
			t.Errorf("unexpected target: %+v", d)
		}
	}
}

func TestRunBatchSkipsEmptyInsight(t *testing.T) {
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		return "", nil
	})
	s, st, mgr := newTestScheduler(t, Config{Policy: PolicyInterval}, source)
	ctx := context.Background()

	touch(t, st, "owner-1", time.Now())
	s.RunBatch(ctx)

	diffs, err := mgr.List(ctx, "owner-1", "", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(diffs) != 0 {
		t.Errorf("expected no diffs for empty insight, got %d", len(diffs))
	}
}

func TestRunBatchToleratesSourceErrors(t *testing.T) {
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		if owner == "owner-1" {
			return "", insight.ErrUnavailable
		}
		return "Doing well.", nil
	})
	s, st, mgr := newTestScheduler(t, Config{Policy: PolicyInterval, Workers: 1}, source)
	ctx := context.Background()

	touch(t, st, "owner-1", time.Now())
	touch(t, st, "owner-2", time.Now())
	s.RunBatch(ctx)

	diffs, err := mgr.List(ctx, "owner-2", "", diff.StatusPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(diffs) != 1 {
		t.Errorf("expected the healthy owner still processed, got %d diffs", len(diffs))
	}
}

func TestIdlePolicyRespectsThresholdAndCooldown(t *testing.T) {
	var queried atomic.Int32
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		queried.Add(1)
		if owner != "idle-owner" {
			return "", nil
		}
		return "Idle observation.", nil
	})
	s, st, mgr := newTestScheduler(t, Config{
		Policy:        PolicyIdle,
		IdleThreshold: 30 * time.Minute,
		Cooldown:      6 * time.Hour,
	}, source)
	ctx := context.Background()
	now := time.Now()

	touch(t, st, "idle-owner", now.Add(-time.Hour))
	touch(t, st, "busy-owner", now)
	touch(t, st, "cooled-owner", now.Add(-time.Hour))
	if err := st.MarkEnriched(ctx, "cooled-owner", now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark enriched: %v", err)
	}

	s.RunBatch(ctx)

	if got := queried.Load(); got != 1 {
		t.Errorf("expected only the idle owner queried, got %d queries", got)
	}
	diffs, err := mgr.List(ctx, "idle-owner", "", diff.StatusPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(diffs) != 1 {
		t.Errorf("expected one diff for idle owner, got %d", len(diffs))
	}
}

func TestRunBatchUpdatesCooldownStamp(t *testing.T) {
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		return "Observation.", nil
	})
	s, st, _ := newTestScheduler(t, Config{
		Policy:        PolicyIdle,
		IdleThreshold: 30 * time.Minute,
		Cooldown:      6 * time.Hour,
	}, source)
	ctx := context.Background()

	touch(t, st, "idle-owner", time.Now().Add(-time.Hour))
	s.RunBatch(ctx)

	// The cooldown stamp keeps the owner out of the next batch.
	owners, err := st.ListIdleOwners(ctx, time.Now().Add(-30*time.Minute), time.Now().Add(-6*time.Hour), 0)
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(owners) != 0 {
		t.Errorf("expected enriched owner excluded by cooldown, got %v", owners)
	}
}

func TestOwnerFilter(t *testing.T) {
	var queried atomic.Int32
	source := insight.SourceFunc(func(ctx context.Context, owner, question string, scope insight.Scope) (string, error) {
		queried.Add(1)
		return "", nil
	})
	s, st, _ := newTestScheduler(t, Config{
		Policy:      PolicyInterval,
		OwnerFilter: func(owner string) bool { return owner == "kept" },
	}, source)

	touch(t, st, "kept", time.Now())
	touch(t, st, "dropped", time.Now())
	s.RunBatch(context.Background())

	if got := queried.Load(); got != 1 {
		t.Errorf("expected only filtered owner queried, got %d", got)
	}
}

func TestRunBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var queried atomic.Int32
	source := insight.SourceFunc(func(_ context.Context, owner, question string, scope insight.Scope) (string, error) {
		queried.Add(1)
		cancel()
		// Hold the worker so the feed observes cancellation before the
		// next hand-off.
		time.Sleep(50 * time.Millisecond)
		return "", nil
	})
	s, st, _ := newTestScheduler(t, Config{Policy: PolicyInterval, Workers: 1}, source)

	for _, owner := range []string{"a", "b", "c", "d"} {
		touch(t, st, owner, time.Now())
	}
	s.RunBatch(ctx)

	if got := queried.Load(); got != 1 {
		t.Errorf("expected batch to stop after cancel, got %d queries", got)
	}
}

func TestRunReturnsImmediatelyUnderManualPolicy(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{Policy: PolicyManual}, insight.SourceFunc(func(context.Context, string, string, insight.Scope) (string, error) {
		return "", nil
	}))
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return under manual policy")
	}
}
