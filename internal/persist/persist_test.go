package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/store"
	"github.com/loykin/bridgectl/internal/store/sqlite"
)

type failingKV struct{ store.Memory }

var errBroken = errors.New("broken disk")

func (f *failingKV) Get(context.Context, string) (string, error) { return "", errBroken }
func (f *failingKV) Set(context.Context, string, string) error   { return errBroken }
func (f *failingKV) Remove(context.Context, string) error        { return errBroken }

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(kv, Config{Now: fixedClock(now)})

	entries := map[string]lock.Entry{
		"cfg1": {ConfigID: "cfg1", State: lock.StateRunning, Reason: lock.ReasonStartAcknowledged, Timestamp: now, Persistent: true},
	}
	if err := l.Save(ctx, entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := l.Load(ctx)
	if len(got) != 1 || got["cfg1"].State != lock.StateRunning || got["cfg1"].Reason != lock.ReasonStartAcknowledged {
		t.Fatalf("unexpected load: %+v", got)
	}
}

func TestLoadAbsentIsEmpty(t *testing.T) {
	l := New(store.NewMemory(), Config{})
	if got := l.Load(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty table, got %v", got)
	}
}

func TestStaleSnapshotIsDiscardedAndCleared(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	saved := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	w := New(kv, Config{Now: fixedClock(saved)})
	if err := w.Save(ctx, map[string]lock.Entry{"x": {State: lock.StateRunning}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	r := New(kv, Config{Now: fixedClock(saved.Add(2*time.Hour + time.Second))})
	if got := r.Load(ctx); len(got) != 0 {
		t.Fatalf("stale snapshot must load empty, got %v", got)
	}
	if _, err := kv.Get(ctx, DefaultKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale snapshot must be cleared, got %v", err)
	}
}

func TestSnapshotWithinTTLIsKept(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	saved := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_ = New(kv, Config{Now: fixedClock(saved)}).Save(ctx, map[string]lock.Entry{"x": {State: lock.StateRunning}})
	got := New(kv, Config{Now: fixedClock(saved.Add(119 * time.Minute))}).Load(ctx)
	if _, ok := got["x"]; !ok {
		t.Fatalf("fresh snapshot should be kept: %v", got)
	}
}

func TestUnparseableSnapshotIsCleared(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	_ = kv.Set(ctx, "custom", "{not json")
	l := New(kv, Config{Key: "custom"})
	if got := l.Load(ctx); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	if _, err := kv.Get(ctx, "custom"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected key cleared, got %v", err)
	}
}

func TestUnknownStatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_ = kv.Set(ctx, DefaultKey, `{"entries":{"a":{"state":"running"},"b":{"state":"paused"}},"saved_at":"`+now+`"}`)
	got := New(kv, Config{}).Load(ctx)
	if len(got) != 1 || got["a"].ConfigID != "a" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestIOFailuresAreContained(t *testing.T) {
	ctx := context.Background()
	l := New(&failingKV{}, Config{})
	err := l.Save(ctx, map[string]lock.Entry{"a": {State: lock.StateRunning}})
	var f *Failure
	if !errors.As(err, &f) || f.Op != "save" || !errors.Is(err, errBroken) {
		t.Fatalf("expected save Failure, got %v", err)
	}
	if got := l.Load(ctx); len(got) != 0 {
		t.Fatalf("load failure should yield empty table, got %v", got)
	}
	// must not panic
	l.Clear(ctx)
}

func TestSQLiteRoundTripThroughTable(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/state.db"
	kv, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := kv.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	layer := New(kv, Config{})
	tbl := lock.NewTable(layer, lock.Options{})
	tbl.Lock("cfg1", lock.StateStarting, lock.ReasonStartRequested)
	tbl.Lock("cfg1", lock.StateRunning, lock.ReasonStartAcknowledged)
	if err := tbl.Close(); err != nil {
		t.Fatalf("close table: %v", err)
	}
	_ = kv.Close()

	kv2, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = kv2.Close() }()
	got := New(kv2, Config{}).Load(ctx)
	if got["cfg1"].State != lock.StateRunning {
		t.Fatalf("expected running entry after restart, got %+v", got)
	}
}
