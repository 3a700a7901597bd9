package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/bridgectl/internal/metrics"
)

// Persister receives full snapshots of the persistent entries.
type Persister interface {
	Save(ctx context.Context, entries map[string]Entry) error
}

// Options tune a Table. Zero values select defaults.
type Options struct {
	Logger *slog.Logger
	// Now overrides the clock used for entry timestamps.
	Now func() time.Time
	// QueueSize bounds pending persistence writes (default 64).
	QueueSize int
	// SaveTimeout bounds a single persistence write (default 5s).
	SaveTimeout time.Duration
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("lock table closed")

type writeReq struct {
	entries map[string]Entry
	done    chan struct{}
}

// Table maps configuration ids to lock entries. At most one entry exists per id.
// Every mutation is written through to the Persister by a single background
// writer so callers never wait on storage. Writes are applied in mutation order.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
	dirty   bool

	persister   Persister
	logger      *slog.Logger
	now         func() time.Time
	saveTimeout time.Duration

	writes  chan writeReq
	flushes sync.WaitGroup // Flush calls that may still send on writes
	wg      sync.WaitGroup
}

// NewTable creates an empty table. A nil persister disables durability.
func NewTable(p Persister, opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	t := &Table{
		entries:     make(map[string]Entry),
		persister:   p,
		logger:      opts.Logger,
		now:         opts.Now,
		saveTimeout: opts.SaveTimeout,
		writes:      make(chan writeReq, opts.QueueSize),
	}
	t.wg.Add(1)
	go t.writer()
	return t
}

// Restore seeds the table from a loaded snapshot without triggering a write.
func (t *Table) Restore(entries map[string]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range entries {
		if id == "" || !e.State.Valid() {
			continue
		}
		e.ConfigID = id
		t.entries[id] = e
	}
	t.logger.Debug("lock table restored", "entries", len(t.entries))
	t.publishGaugesLocked()
}

// Lock upserts the entry for id with the current timestamp.
func (t *Table) Lock(id string, state State, reason string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockLocked(id, state, reason)
}

func (t *Table) lockLocked(id string, state State, reason string) Entry {
	prev, had := t.entries[id]
	e := Entry{
		ConfigID:   id,
		State:      state,
		Reason:     reason,
		Timestamp:  t.now(),
		Persistent: true,
	}
	t.entries[id] = e
	from := StateStopped
	if had {
		from = prev.State
	}
	metrics.RecordStateTransition(id, from.String(), state.String())
	t.publishGaugesLocked()
	t.logger.Debug("lock", "config_id", id, "from", from, "state", state, "reason", reason)
	t.enqueueLocked()
	return e
}

// Unlock removes the entry for id. The id is implicitly Stopped afterwards.
func (t *Table) Unlock(id, reason string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, id)
	metrics.RecordStateTransition(id, prev.State.String(), StateStopped.String())
	t.publishGaugesLocked()
	t.logger.Debug("unlock", "config_id", id, "from", prev.State, "reason", reason)
	t.enqueueLocked()
	return prev, true
}

// ForceUnlock removes the entry unconditionally and reports whether one existed.
func (t *Table) ForceUnlock(id string) bool {
	_, ok := t.Unlock(id, ReasonForced)
	return ok
}

// Get returns the entry for id.
func (t *Table) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// Guard decides whether a transition may proceed given the current entry.
// ok is false when no entry exists.
type Guard func(cur Entry, ok bool) error

// Transition evaluates guard and applies the new state in one critical section,
// so concurrent callers cannot both pass the same guard.
func (t *Table) Transition(id string, guard Guard, state State, reason string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[id]
	if guard != nil {
		if err := guard(cur, ok); err != nil {
			return cur, err
		}
	}
	return t.lockLocked(id, state, reason), nil
}

// AdoptIfEmpty locks every given entry only when the table holds no entries.
// It returns the number of adopted entries. All adoptions share one write.
func (t *Table) AdoptIfEmpty(ids []string, state State, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) > 0 || len(ids) == 0 {
		return 0
	}
	now := t.now()
	for _, id := range ids {
		if id == "" {
			continue
		}
		t.entries[id] = Entry{ConfigID: id, State: state, Reason: reason, Timestamp: now, Persistent: true}
		metrics.RecordStateTransition(id, StateStopped.String(), state.String())
	}
	t.publishGaugesLocked()
	t.enqueueLocked()
	return len(t.entries)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries keyed by id.
func (t *Table) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e
	}
	return out
}

// Entries returns all entries ordered by id.
func (t *Table) Entries() []Entry {
	snap := t.Snapshot()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

// Flush blocks until every mutation so far has been handed to the Persister
// and the current table has been saved once more.
func (t *Table) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.persister == nil {
		t.mu.Unlock()
		return nil
	}
	req := writeReq{entries: t.persistentLocked(), done: make(chan struct{})}
	t.dirty = false
	t.flushes.Add(1)
	t.mu.Unlock()
	select {
	case t.writes <- req:
		t.flushes.Done()
	case <-ctx.Done():
		t.flushes.Done()
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and stops the writer. It is safe to call more than once.
func (t *Table) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.saveTimeout)
	defer cancel()
	err := t.Flush(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.wg.Wait()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	// no new Flush can start once closed is set
	t.flushes.Wait()
	close(t.writes)
	t.wg.Wait()
	return err
}

func (t *Table) persistentLocked() map[string]Entry {
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		if e.Persistent {
			out[id] = e
		}
	}
	return out
}

// enqueueLocked hands a snapshot to the writer without blocking. When the queue
// is full the table is marked dirty; the next write or Flush carries the newer state.
func (t *Table) enqueueLocked() {
	if t.persister == nil || t.closed {
		return
	}
	select {
	case t.writes <- writeReq{entries: t.persistentLocked()}:
		t.dirty = false
	default:
		t.dirty = true
		t.logger.Warn("persistence queue full, write deferred", "entries", len(t.entries))
	}
}

func (t *Table) writer() {
	defer t.wg.Done()
	for req := range t.writes {
		t.save(req.entries)
		if req.done != nil {
			close(req.done)
		}
		t.mu.Lock()
		var pending map[string]Entry
		if t.dirty && len(t.writes) == 0 {
			pending = t.persistentLocked()
			t.dirty = false
		}
		t.mu.Unlock()
		if pending != nil {
			t.save(pending)
		}
	}
}

func (t *Table) save(entries map[string]Entry) {
	if t.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.saveTimeout)
	defer cancel()
	if err := t.persister.Save(ctx, entries); err != nil {
		metrics.IncPersistenceFailure("save")
		t.logger.Warn("persisting lock table failed", "error", err, "entries", len(entries))
	}
}

func (t *Table) publishGaugesLocked() {
	counts := map[State]int{}
	for _, e := range t.entries {
		counts[e.State]++
	}
	for _, s := range []State{StateStarting, StateRunning, StateStopping, StateVerifying} {
		metrics.SetLockedConfigs(s.String(), counts[s])
	}
}
