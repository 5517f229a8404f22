package guv

import (
	"sync/atomic"
)

// HubState represents the current lifecycle state of a Hub.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)      [Run()]
//	StateRunning (3) → StateSleeping (2)   [poll() via CAS]
//	StateRunning (3) → StateTerminating (4) [Abort()/Shutdown()]
//	StateSleeping (2) → StateRunning (3)   [poll() wake via CAS]
//	StateSleeping (2) → StateTerminating (4) [Abort()/Shutdown()]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
//	StateTerminated (1) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for temporary states (Running, Sleeping)
//   - Use Store() for irreversible states (Terminated)
type HubState uint64

const (
	// StateAwake indicates the hub has been created but Run has not been called.
	StateAwake HubState = 0
	// StateTerminated indicates the hub has fully shut down.
	StateTerminated HubState = 1
	// StateSleeping indicates the hub is blocked in the poller waiting for events.
	StateSleeping HubState = 2
	// StateRunning indicates the hub is actively draining timers, tasks and I/O.
	StateRunning HubState = 3
	// StateTerminating indicates termination has been requested but has not completed.
	StateTerminating HubState = 4
)

// String returns a human-readable representation of the state.
func (s HubState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding to avoid
// false sharing between cores, since it is read on every suspension point.
type FastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint64
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() HubState {
	return HubState(s.v.Load())
}

// Store atomically stores a new state, bypassing transition validation.
func (s *FastState) Store(state HubState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition succeeded.
func (s *FastState) TryTransition(from, to HubState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the hub has fully terminated.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// CanAcceptWork returns true if the hub can accept new scheduled work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
