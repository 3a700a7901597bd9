package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeStateTransition       Type = "state_transition"
	TypeVerificationSucceeded Type = "verification_succeeded"
	TypeVerificationFailed    Type = "verification_failed"
	TypeStartMismatch         Type = "start_mismatch"
	TypeDriftDetected         Type = "drift_detected"
	TypeAutoDiscovered        Type = "auto_discovered"
	TypeOperationFailed       Type = "operation_failed"
)

// Event is emitted to the presentation layer and history sinks.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ConfigID  string    `json:"config_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events. Implementations must not block for long.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// OfType returns a Filter matching any of types.
func OfType(types ...Type) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// Subscription delivers matching events on C or to a handler.
type Subscription struct {
	ID string
	C  <-chan Event

	mu      sync.Mutex
	ch      chan Event
	filter  Filter
	handler func(Event)
	closed  bool
}

func (s *Subscription) deliver(e Event, logger *slog.Logger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.filter != nil && !s.filter(e)) {
		return true
	}
	if s.handler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panicked", "subscription", s.ID, "panic", r)
				}
			}()
			s.handler(e)
		}()
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
}

// Stats counts bus activity.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// Bus fans events out to subscribers. Slow channel subscribers lose events
// instead of blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	stats  Stats
	now    func() time.Time
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: map[string]*Subscription{}, now: time.Now, logger: logger}
}

// Publish assigns an id and timestamp when missing and delivers e.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var dropped int64
	for _, s := range subs {
		if !s.deliver(e, b.logger) {
			dropped++
		}
	}
	b.mu.Lock()
	b.stats.Published++
	b.stats.Dropped += dropped
	b.mu.Unlock()
	if dropped > 0 {
		b.logger.Debug("events dropped for slow subscribers", "type", e.Type, "dropped", dropped)
	}
}

// Subscribe returns a channel subscription with the given buffer.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	return b.add(&Subscription{C: ch, ch: ch, filter: filter})
}

// SubscribeFunc calls fn synchronously from Publish for each matching event.
func (b *Bus) SubscribeFunc(filter Filter, fn func(Event)) *Subscription {
	return b.add(&Subscription{filter: filter, handler: fn})
}

func (b *Bus) add(s *Subscription) *Subscription {
	s.ID = uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.ID)
	b.mu.Unlock()
	s.close()
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.stats
	st.Subscribers = len(b.subs)
	return st
}

// Close closes every subscription; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*Subscription{}
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
