package usage

import (
	"slices"
	"sync"
)

// Store holds the local usage state and lets observers wait for changes.
type Store struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

// NewStore creates a store holding a copy of initial at version zero.
func NewStore(initial State) *Store {
	state := initial.Clone()
	state.Version = 0
	return &Store{
		state:   state,
		changed: make(chan struct{}),
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Version returns the current state version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Version
}

// Watch returns a channel that is closed once the state version exceeds
// after. Each channel fires at most once; call Watch again to keep watching.
func (s *Store) Watch(after uint64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Version > after {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.changed
}

// SetUsage records the latest usage reading for provider id.
func (s *Store) SetUsage(id string, usage ProviderState) {
	s.mutate(func(st *State) {
		st.Usage[id] = usage.clone()
	})
}

// SetError records a failure message for provider id.
func (s *Store) SetError(id, message string) {
	s.mutate(func(st *State) {
		st.Errors[id] = message
	})
}

// ClearError removes any failure recorded for provider id.
func (s *Store) ClearError(id string) {
	s.mutate(func(st *State) {
		delete(st.Errors, id)
	})
}

// SetEnabled replaces the ordered list of enabled providers.
func (s *Store) SetEnabled(ids []string) {
	s.mutate(func(st *State) {
		st.Enabled = slices.Clone(ids)
	})
}

// SetSyncEnabled toggles publishing.
func (s *Store) SetSyncEnabled(enabled bool) {
	s.mutate(func(st *State) {
		st.SyncEnabled = enabled
	})
}

// SetMetadata records descriptive data for provider id.
func (s *Store) SetMetadata(id string, meta Metadata) {
	s.mutate(func(st *State) {
		st.Metadata[id] = meta
	})
}

// Apply replaces all provider data with next's in a single mutation.
// SyncEnabled and Version are kept.
func (s *Store) Apply(next State) {
	next = next.Clone()
	s.mutate(func(st *State) {
		st.Usage = next.Usage
		st.Errors = next.Errors
		st.Metadata = next.Metadata
		st.Enabled = next.Enabled
	})
}

func (s *Store) mutate(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	s.state.Version++

	close(s.changed)
	s.changed = make(chan struct{})
}
