package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/loykin/bridgectl/pkg/client"
)

// Fake is an in-memory Gateway with scriptable errors, used by tests and dry runs.
//
// Stops remove instances immediately unless a stop lag is set, in which case the
// instance keeps appearing in QueryStatus for that many further polls.
type Fake struct {
	mu      sync.Mutex
	running map[string]string // config id -> type
	pending map[string]int    // config id -> remaining polls
	errs    map[string][]error
	calls   map[string]int
	log     []string
	stopLag int
	ignore  bool // accept stops without effect
}

func NewFake() *Fake {
	return &Fake{
		running: map[string]string{},
		pending: map[string]int{},
		errs:    map[string][]error{},
		calls:   map[string]int{},
	}
}

// Command names used by Fail, Calls and Log.
const (
	CmdStart        = "start"
	CmdStopInstance = "stop_instance"
	CmdStopAll      = "stop_all"
	CmdEmergency    = "emergency_stop"
	CmdStatus       = "status"
)

// Fail queues errors returned by the next calls of cmd, in order. A nil error
// lets that call succeed.
func (f *Fake) Fail(cmd string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cmd] = append(f.errs[cmd], errs...)
}

// SetStopLag sets how many status polls a stopped instance stays visible.
func (f *Fake) SetStopLag(n int) {
	f.mu.Lock()
	f.stopLag = n
	f.mu.Unlock()
}

// SetIgnoreStops makes every stop command succeed without effect.
func (f *Fake) SetIgnoreStops(v bool) {
	f.mu.Lock()
	f.ignore = v
	f.mu.Unlock()
}

// Seed marks configID as running.
func (f *Fake) Seed(typ, configID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[configID] = typ
	delete(f.pending, configID)
}

func (f *Fake) Calls(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cmd]
}

// Log returns the commands received, in order.
func (f *Fake) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *Fake) IsRunning(configID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[configID]
	return ok
}

func (f *Fake) begin(cmd string) error {
	f.calls[cmd]++
	f.log = append(f.log, cmd)
	q := f.errs[cmd]
	if len(q) == 0 {
		return nil
	}
	f.errs[cmd] = q[1:]
	return q[0]
}

func (f *Fake) Start(_ context.Context, typ, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(CmdStart); err != nil {
		return err
	}
	f.running[configID] = typ
	delete(f.pending, configID)
	return nil
}

func (f *Fake) StopInstance(_ context.Context, _, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(CmdStopInstance); err != nil {
		return err
	}
	f.stopLocked(configID)
	return nil
}

func (f *Fake) StopAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(CmdStopAll); err != nil {
		return err
	}
	for id := range f.running {
		f.stopLocked(id)
	}
	return nil
}

func (f *Fake) EmergencyStopAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(CmdEmergency); err != nil {
		return err
	}
	for id := range f.running {
		f.stopLocked(id)
	}
	return nil
}

func (f *Fake) QueryStatus(context.Context) (client.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(CmdStatus); err != nil {
		return client.StatusSnapshot{}, err
	}
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := client.StatusSnapshot{Instances: []client.RemoteInstance{}}
	for _, id := range ids {
		if n, ok := f.pending[id]; ok {
			if n == 0 {
				delete(f.running, id)
				delete(f.pending, id)
				continue
			}
			f.pending[id] = n - 1
		}
		snap.Instances = append(snap.Instances, client.RemoteInstance{ConfigID: id, Type: f.running[id], Status: client.StatusRunning})
	}
	snap.TotalInstances = len(snap.Instances)
	snap.ActiveInstances = len(snap.Instances)
	return snap, nil
}

func (f *Fake) stopLocked(configID string) {
	if f.ignore {
		return
	}
	if _, ok := f.running[configID]; !ok {
		return
	}
	if _, ok := f.pending[configID]; ok {
		return
	}
	if f.stopLag <= 0 {
		delete(f.running, configID)
		return
	}
	f.pending[configID] = f.stopLag
}

var _ Gateway = (*Fake)(nil)
