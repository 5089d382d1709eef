package mcpserver

import (
	"sync"
	"time"
)

const (
	stateTTL      = 30 * time.Minute
	sweepInterval = 5 * time.Minute
)

// BrowserState is the per-scope targeting context: which page and window the
// scope's tool calls act on.
type BrowserState struct {
	ActivePageID string
	WindowID     string
	LastAccess   time.Time
}

// StateStore holds ephemeral per-scope browser state. Entries expire after
// 30 minutes of inactivity and are removed by periodic sweeps.
type StateStore struct {
	mu     sync.Mutex
	states map[string]*BrowserState
	ttl    time.Duration
	now    func() time.Time
}

// NewStateStore creates a store with the default TTL.
func NewStateStore() *StateStore {
	return &StateStore{
		states: make(map[string]*BrowserState),
		ttl:    stateTTL,
		now:    time.Now,
	}
}

// Get returns the state for a scope, creating it on first access. Access
// refreshes the TTL.
func (s *StateStore) Get(scope string) *BrowserState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[scope]
	if !ok || s.now().Sub(state.LastAccess) > s.ttl {
		state = &BrowserState{}
		s.states[scope] = state
	}
	state.LastAccess = s.now()
	return state
}

// Update applies a mutation to a scope's state under the store lock.
func (s *StateStore) Update(scope string, fn func(*BrowserState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[scope]
	if !ok {
		state = &BrowserState{}
		s.states[scope] = state
	}
	fn(state)
	state.LastAccess = s.now()
}

// Sweep removes expired scopes and returns how many were dropped.
func (s *StateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for scope, state := range s.states {
		if now.Sub(state.LastAccess) > s.ttl {
			delete(s.states, scope)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live scopes.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
