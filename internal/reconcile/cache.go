package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/bridgectl/internal/gateway"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/pkg/client"
)

// DefaultFreshness is how long a polled snapshot is served without a new poll.
const DefaultFreshness = 5 * time.Second

// StatusCache coalesces remote status polls. Concurrent refreshes share one
// in-flight request and a snapshot younger than the freshness window is
// reused unless the caller forces a poll.
type StatusCache struct {
	gw        gateway.Gateway
	freshness time.Duration
	now       func() time.Time
	group     singleflight.Group

	mu   sync.RWMutex
	snap client.StatusSnapshot
	at   time.Time
	ok   bool
}

func NewStatusCache(gw gateway.Gateway, freshness time.Duration) *StatusCache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &StatusCache{gw: gw, freshness: freshness, now: time.Now}
}

// Get returns the remote snapshot, polling when the cached one is stale or force is set.
func (c *StatusCache) Get(ctx context.Context, force bool) (client.StatusSnapshot, error) {
	if !force {
		if snap, at, ok := c.Last(); ok && c.now().Sub(at) < c.freshness {
			return snap, nil
		}
	}
	// the shared poll outlives any single caller; each caller waits on its own ctx
	poll := context.WithoutCancel(ctx)
	ch := c.group.DoChan("status", func() (any, error) {
		snap, err := c.gw.QueryStatus(poll)
		if err != nil {
			return client.StatusSnapshot{}, err
		}
		c.mu.Lock()
		c.snap, c.at, c.ok = snap, c.now(), true
		c.mu.Unlock()
		metrics.SetRemoteActive(len(snap.RunningConfigIDs()))
		return snap, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return client.StatusSnapshot{}, res.Err
		}
		return res.Val.(client.StatusSnapshot), nil
	case <-ctx.Done():
		return client.StatusSnapshot{}, ctx.Err()
	}
}

// Last returns the most recent successful snapshot and when it was taken.
func (c *StatusCache) Last() (client.StatusSnapshot, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.at, c.ok
}

// Invalidate forces the next Get to poll.
func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	c.ok = false
	c.mu.Unlock()
}
