package module

import (
	"sync"
	"sync/atomic"
)

// TransitionFunc observes a state change of a module.
type TransitionFunc func(m Module, from, to State)

// Store holds the current lifecycle state of every module together with the
// process-wide execution and tunneling flags.
//
// Writes are never validated against a transition table: a watchdog
// correction may race a user request and both must land.
type Store struct {
	// deliver is held from a write until its observers return, so observers
	// see transitions in the order they were stored.
	deliver sync.Mutex

	mu        sync.RWMutex
	states    map[Module]State
	observers []TransitionFunc

	mode      atomic.Int32
	tunneling atomic.Bool
}

// NewStore creates a store with every module stopped.
func NewStore(mode ExecutionMode, tunneling bool) *Store {
	s := &Store{
		states: make(map[Module]State, len(All())),
	}
	for _, m := range All() {
		s.states[m] = Stopped
	}
	s.mode.Store(int32(mode))
	s.tunneling.Store(tunneling)
	return s
}

// Get returns the current state of a module.
func (s *Store) Get(m Module) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[m]
}

// Set stores a new state for a module and returns the previous one.
func (s *Store) Set(m Module, state State) State {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	prev := s.states[m]
	s.states[m] = state
	observers := s.observers
	s.mu.Unlock()

	if prev != state {
		for _, fn := range observers {
			fn(m, prev, state)
		}
	}
	return prev
}

// CompareAndSet stores state only if the current state is old.
func (s *Store) CompareAndSet(m Module, old, state State) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.states[m] != old {
		s.mu.Unlock()
		return false
	}
	s.states[m] = state
	observers := s.observers
	s.mu.Unlock()

	if old != state {
		for _, fn := range observers {
			fn(m, old, state)
		}
	}
	return true
}

// SetAll forces every module into the given state.
func (s *Store) SetAll(state State) {
	for _, m := range All() {
		s.Set(m, state)
	}
}

// Snapshot returns a copy of all module states.
func (s *Store) Snapshot() map[Module]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[Module]State, len(s.states))
	for m, state := range s.states {
		result[m] = state
	}
	return result
}

// OnTransition registers an observer called after every effective state change.
// Observers run on the writer's goroutine, one at a time, and must not write
// to the store.
func (s *Store) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Mode returns the execution mode.
func (s *Store) Mode() ExecutionMode {
	return ExecutionMode(s.mode.Load())
}

// SetMode changes the execution mode. It is expected to be stable for a session.
func (s *Store) SetMode(mode ExecutionMode) {
	s.mode.Store(int32(mode))
}

// Privileged reports whether the store is in privileged mode.
func (s *Store) Privileged() bool {
	return s.Mode() == Privileged
}

// Tunneling reports whether traffic is redirected through the virtual interface.
func (s *Store) Tunneling() bool {
	return s.tunneling.Load()
}

// SetTunneling changes the tunneling flag.
func (s *Store) SetTunneling(on bool) {
	s.tunneling.Store(on)
}
