package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/bridgectl/internal/configstore"
	"github.com/loykin/bridgectl/internal/gateway"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/notify"
	"github.com/loykin/bridgectl/pkg/client"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 15 * time.Second

// Drift kinds.
const (
	DriftRemoteAbsent  = "remote_absent"  // Running lock, no remote instance
	DriftRemotePresent = "remote_present" // Stopped lock, remote instance running
)

// Options tune a Loop. Zero values select defaults.
type Options struct {
	Logger    *slog.Logger
	Publisher notify.Publisher
	Interval  time.Duration
	Freshness time.Duration
	// Cache shares polls with other readers. One is created when nil.
	Cache *StatusCache
}

// Drift is a disagreement between a lock entry and remote truth. It is
// reported, never repaired.
type Drift struct {
	ConfigID string `json:"config_id"`
	Kind     string `json:"kind"`
}

// Result summarizes one tick.
type Result struct {
	Adopted []string `json:"adopted,omitempty"`
	Drift   []Drift  `json:"drift,omitempty"`
	Remote  int      `json:"remote_running"`
}

// Loop compares the lock table with remote status on a fixed period. It only
// writes to the table when the table is empty and running instances exist.
type Loop struct {
	table    *lock.Table
	configs  configstore.Store
	cache    *StatusCache
	pub      notify.Publisher
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	drift  map[Drift]bool
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func New(table *lock.Table, gw gateway.Gateway, configs configstore.Store, opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Nop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Cache == nil {
		opts.Cache = NewStatusCache(gw, opts.Freshness)
	}
	return &Loop{
		table:    table,
		configs:  configs,
		cache:    opts.Cache,
		pub:      opts.Publisher,
		logger:   opts.Logger.With("component", "reconcile"),
		interval: opts.Interval,
		drift:    map[Drift]bool{},
	}
}

// Cache returns the status cache used by the loop.
func (l *Loop) Cache() *StatusCache { return l.cache }

// Tick runs one reconciliation pass.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	snap, err := l.cache.Get(ctx, false)
	if err != nil {
		metrics.IncReconcileTick("error")
		l.logger.Warn("status poll failed", "error", err)
		return Result{}, err
	}
	running := snap.RunningConfigIDs()
	res := Result{Remote: len(running)}

	if n := l.table.AdoptIfEmpty(running, lock.StateRunning, lock.ReasonAutoDiscovered); n > 0 {
		res.Adopted = running
		metrics.AddAutoDiscovered(n)
		for _, id := range running {
			if _, err := l.configs.Get(ctx, id); err != nil {
				l.logger.Warn("adopted instance has no local configuration", "config_id", id)
			}
			l.logger.Info("running instance adopted", "config_id", id, "reason", lock.ReasonAutoDiscovered)
			l.pub.Publish(notify.Event{
				Type: notify.TypeAutoDiscovered, ConfigID: id,
				From: lock.StateStopped.String(), To: lock.StateRunning.String(), Reason: lock.ReasonAutoDiscovered,
			})
		}
	}

	res.Drift = l.detectDrift(snap)
	metrics.IncReconcileTick("ok")
	return res, nil
}

// detectDrift reports settled entries that disagree with snap. Transient
// entries belong to an in-flight operation and are skipped.
func (l *Loop) detectDrift(snap client.StatusSnapshot) []Drift {
	var found []Drift
	for _, e := range l.table.Entries() {
		remote := snap.RunningFor("", e.ConfigID)
		switch {
		case e.State == lock.StateRunning && !remote:
			found = append(found, Drift{ConfigID: e.ConfigID, Kind: DriftRemoteAbsent})
		case e.State == lock.StateStopped && remote:
			found = append(found, Drift{ConfigID: e.ConfigID, Kind: DriftRemotePresent})
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	current := make(map[Drift]bool, len(found))
	for _, d := range found {
		current[d] = true
		metrics.IncDrift(d.Kind)
		if l.drift[d] {
			l.logger.Debug("drift persists", "config_id", d.ConfigID, "kind", d.Kind)
			continue
		}
		l.logger.Warn("lock disagrees with remote status", "config_id", d.ConfigID, "kind", d.Kind)
		l.pub.Publish(notify.Event{Type: notify.TypeDriftDetected, ConfigID: d.ConfigID, Reason: d.Kind})
	}
	for d := range l.drift {
		if !current[d] {
			l.logger.Info("drift resolved", "config_id", d.ConfigID, "kind", d.Kind)
		}
	}
	l.drift = current
	return found
}

// Start launches the periodic loop. The first pass runs immediately.
// Calling Start on a running loop does nothing.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	l.stop, l.done, l.cancel = stop, done, cancel
	l.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(l.interval)
		defer t.Stop()
		l.safeTick(ctx)
		for {
			select {
			case <-t.C:
				l.safeTick(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// safeTick keeps the loop alive across a failing or panicking pass.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncReconcileTick("error")
			l.logger.Error("reconcile tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	_, _ = l.Tick(ctx)
}

// Stop cancels the loop, waits for the running pass and flushes the table.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	stop, done, cancel := l.stop, l.done, l.cancel
	l.stop, l.done, l.cancel = nil, nil, nil
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		cancel()
		<-done
	}
	return l.table.Flush(ctx)
}

// Status is the state shown for one configuration. Unlocked configurations
// take their state from remote truth; locked ones show the lock.
type Status struct {
	ConfigID      string     `json:"config_id"`
	Name          string     `json:"name,omitempty"`
	Type          string     `json:"type,omitempty"`
	State         lock.State `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	Locked        bool       `json:"locked"`
	RemoteRunning bool       `json:"remote_running"`
	Known         bool       `json:"known"`
}

// Statuses derives display states for every known configuration plus any
// locked id without one. It never writes to the table.
func (l *Loop) Statuses(ctx context.Context, force bool) ([]Status, error) {
	cfgs, err := l.configs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	snap, err := l.cache.Get(ctx, force)
	if err != nil {
		return nil, err
	}
	entries := l.table.Snapshot()
	out := make([]Status, 0, len(cfgs)+len(entries))
	for _, c := range cfgs {
		out = append(out, display(c.ID, c.Name, c.Type, true, entries, snap))
		delete(entries, c.ID)
	}
	for id := range entries {
		out = append(out, display(id, "", "", false, entries, snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out, nil
}

func display(id, name, typ string, known bool, entries map[string]lock.Entry, snap client.StatusSnapshot) Status {
	st := Status{ConfigID: id, Name: name, Type: typ, Known: known, RemoteRunning: snap.RunningFor(typ, id)}
	if e, ok := entries[id]; ok {
		st.State, st.Reason, st.Locked = e.State, e.Reason, true
		return st
	}
	st.State = lock.StateStopped
	if st.RemoteRunning {
		st.State = lock.StateRunning
	}
	return st
}
