package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"mentora/memory/internal/codec"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
)

const testConfig = `{
	"blocks": [
		{
			"label": "profile",
			"fields": [
				{"name": "bio", "type": "string"},
				{"name": "grade_level", "type": "int"}
			]
		}
	]
}`

// countingTarget wraps another Target and counts external calls; failFirst
// makes the first N upserts fail.
type countingTarget struct {
	inner     Target
	upserts   int
	failFirst int
}

func (c *countingTarget) Upsert(ctx context.Context, key string, payload []byte) error {
	c.upserts++
	if c.upserts <= c.failFirst {
		return errors.New("mirror unreachable")
	}
	if c.inner == nil {
		return nil
	}
	return c.inner.Upsert(ctx, key, payload)
}

func (c *countingTarget) Delete(ctx context.Context, key string) error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Delete(ctx, key)
}

func newTestAdapter(t *testing.T, target Target) (*Adapter, *store.Store) {
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
	a := NewAdapter(st, reg, cod, target, zerolog.Nop())
	// Keep retry waits out of test time.
	a.maxAttempts = 2
	a.baseBackoff = time.Millisecond
	return a, st
}

func newRedisTarget(t *testing.T) (*RedisTarget, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	target, err := NewRedisTarget("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("connect redis target: %v", err)
	}
	t.Cleanup(func() { target.Close() })
	return target, s
}

func TestKeyIsDeterministic(t *testing.T) {
	if got := Key("owner-1", "profile"); got != "memory:owner-1:profile" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestPushWritesRecordToRedis(t *testing.T) {
	target, mr := newRedisTarget(t)
	a, st := newTestAdapter(t, target)
	ctx := context.Background()

	if _, err := st.Write(ctx, "owner-1", "profile", []byte(`{"bio":"hi","grade_level":8}`), "tutor", "", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err != nil {
		t.Fatalf("push: %v", err)
	}

	raw, err := mr.Get("memory:owner-1:profile")
	if err != nil {
		t.Fatalf("redis get: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if payload["bio"] != "hi" {
		t.Errorf("expected bio in payload, got %v", payload)
	}

	m, err := st.GetSyncMapping(ctx, "owner-1", "profile")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if m.LastPushedHash == "" || m.OutOfSync {
		t.Errorf("unexpected mapping after push: %+v", m)
	}
}

func TestPushDefaultsBeforeFirstVersion(t *testing.T) {
	target, mr := newRedisTarget(t)
	a, _ := newTestAdapter(t, target)

	if err := a.Push(context.Background(), "owner-1", "profile"); err != nil {
		t.Fatalf("push: %v", err)
	}
	raw, err := mr.Get("memory:owner-1:profile")
	if err != nil {
		t.Fatalf("redis get: %v", err)
	}
	if !strings.Contains(raw, `"bio":""`) {
		t.Errorf("expected schema defaults mirrored, got %s", raw)
	}
}

func TestPushSkipsUnchangedContent(t *testing.T) {
	counting := &countingTarget{}
	a, st := newTestAdapter(t, counting)
	ctx := context.Background()

	if _, err := st.Write(ctx, "owner-1", "profile", []byte(`{"bio":"hi"}`), "tutor", "", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if counting.upserts != 1 {
		t.Errorf("expected one external call for identical content, got %d", counting.upserts)
	}

	// New content pushes again.
	if _, err := st.Write(ctx, "owner-1", "profile", []byte(`{"bio":"changed"}`), "tutor", "", 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err != nil {
		t.Fatalf("third push: %v", err)
	}
	if counting.upserts != 2 {
		t.Errorf("expected second external call after change, got %d", counting.upserts)
	}
}

func TestPushFailureFlagsOutOfSync(t *testing.T) {
	counting := &countingTarget{failFirst: 10}
	a, st := newTestAdapter(t, counting)
	ctx := context.Background()

	if _, err := st.Write(ctx, "owner-1", "profile", []byte(`{"bio":"hi"}`), "tutor", "", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err == nil {
		t.Fatalf("expected push to fail")
	}
	if counting.upserts != a.maxAttempts {
		t.Errorf("expected %d attempts, got %d", a.maxAttempts, counting.upserts)
	}

	m, err := st.GetSyncMapping(ctx, "owner-1", "profile")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if !m.OutOfSync {
		t.Errorf("expected mapping flagged out of sync")
	}
}

func TestResyncClearsFlaggedMappings(t *testing.T) {
	counting := &countingTarget{failFirst: 2}
	a, st := newTestAdapter(t, counting)
	ctx := context.Background()

	if _, err := st.Write(ctx, "owner-1", "profile", []byte(`{"bio":"hi"}`), "tutor", "", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.Push(ctx, "owner-1", "profile"); err == nil {
		t.Fatalf("expected initial push to fail")
	}

	// The target recovered; resync retries the flagged mapping.
	a.Resync(ctx, 10)

	m, err := st.GetSyncMapping(ctx, "owner-1", "profile")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if m.OutOfSync {
		t.Errorf("expected flag cleared after resync")
	}
	if m.LastPushedHash == "" {
		t.Errorf("expected hash recorded after resync")
	}
}

func TestPushUnknownLabel(t *testing.T) {
	a, _ := newTestAdapter(t, &countingTarget{})
	if err := a.Push(context.Background(), "owner-1", "nope"); err == nil {
		t.Fatalf("expected error for unknown label")
	}
}
