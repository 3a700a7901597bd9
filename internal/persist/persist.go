package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/store"
)

const (
	DefaultKey = "bridgectl.lock_state"
	DefaultTTL = 2 * time.Hour
)

// Failure wraps a storage error. It is logged and counted, never returned to callers
// of Load; Save returns it so the lock table can log the failed write.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string { return fmt.Sprintf("persistence %s: %v", f.Op, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Snapshot is the serialized form of the lock table.
type Snapshot struct {
	Entries map[string]lock.Entry `json:"entries"`
	SavedAt time.Time             `json:"saved_at"`
}

// Config configures a Layer.
type Config struct {
	Key    string
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Layer stores lock table snapshots under a single key of a KV store.
type Layer struct {
	kv     store.KV
	key    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Layer over kv. Zero Config fields select defaults.
func New(kv store.KV, cfg Config) *Layer {
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Layer{kv: kv, key: cfg.Key, ttl: cfg.TTL, logger: cfg.Logger, now: cfg.Now}
}

// Save serializes entries together with the current time.
func (l *Layer) Save(ctx context.Context, entries map[string]lock.Entry) error {
	if entries == nil {
		entries = map[string]lock.Entry{}
	}
	b, err := json.Marshal(Snapshot{Entries: entries, SavedAt: l.now().UTC()})
	if err != nil {
		return l.fail("encode", err)
	}
	if err := l.kv.Set(ctx, l.key, string(b)); err != nil {
		return l.fail("save", err)
	}
	return nil
}

// Load reads the snapshot back. An absent, unparseable or expired snapshot
// yields an empty table; the latter two also clear the stored key.
// Load never returns an error.
func (l *Layer) Load(ctx context.Context) map[string]lock.Entry {
	empty := map[string]lock.Entry{}
	raw, err := l.kv.Get(ctx, l.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			_ = l.fail("load", err)
		}
		return empty
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		l.logger.Warn("discarding unreadable lock snapshot", "key", l.key, "error", err)
		l.Clear(ctx)
		return empty
	}
	if age := l.now().Sub(snap.SavedAt); age > l.ttl {
		l.logger.Info("discarding stale lock snapshot", "key", l.key, "saved_at", snap.SavedAt, "age", age.Round(time.Second))
		l.Clear(ctx)
		return empty
	}
	out := make(map[string]lock.Entry, len(snap.Entries))
	for id, e := range snap.Entries {
		if !e.State.Valid() {
			l.logger.Warn("skipping lock entry with unknown state", "config_id", id, "state", e.State)
			continue
		}
		e.ConfigID = id
		out[id] = e
	}
	return out
}

// Clear removes the stored snapshot. Failures are logged only.
func (l *Layer) Clear(ctx context.Context) {
	if err := l.kv.Remove(ctx, l.key); err != nil {
		_ = l.fail("clear", err)
	}
}

func (l *Layer) fail(op string, err error) error {
	f := &Failure{Op: op, Err: err}
	metrics.IncPersistenceFailure(op)
	l.logger.Warn("persistence failure", "op", op, "key", l.key, "error", err)
	return f
}
