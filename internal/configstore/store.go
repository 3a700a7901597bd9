package configstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the set of known configurations.
type Store interface {
	List(ctx context.Context) ([]Configuration, error)
	Get(ctx context.Context, id string) (Configuration, error)
	// Refresh reloads the set from its source.
	Refresh(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// Static is an in-memory Store.
type Static struct {
	mu        sync.RWMutex
	items     map[string]Configuration
	refreshes int
}

func NewStatic(cfgs ...Configuration) *Static {
	s := &Static{items: make(map[string]Configuration, len(cfgs))}
	for _, c := range cfgs {
		s.items[c.ID] = c
	}
	return s
}

// Put adds or replaces a configuration.
func (s *Static) Put(c Configuration) {
	s.mu.Lock()
	s.items[c.ID] = c
	s.mu.Unlock()
}

func (s *Static) List(context.Context) ([]Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.items), nil
}

func (s *Static) Get(_ context.Context, id string) (Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return Configuration{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Refresh only counts calls; the in-memory set has no other source.
func (s *Static) Refresh(context.Context) error {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	return nil
}

// Refreshes reports how often Refresh was called.
func (s *Static) Refreshes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes
}

func (s *Static) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

func sorted(m map[string]Configuration) []Configuration {
	out := make([]Configuration, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
