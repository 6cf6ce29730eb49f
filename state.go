package klite

import (
	"sync/atomic"
)

// KernelState represents the lifecycle of a Kernel.
//
//	StateAwake → StateRunning      [Start()]
//	StateRunning → StateTerminated [Start() returns]
//	StateTerminated → (terminal)
type KernelState uint64

const (
	// StateAwake indicates the kernel has been created but not started.
	StateAwake KernelState = iota
	// StateRunning indicates Start is dispatching threads.
	StateRunning
	// StateTerminated indicates Start has returned. The kernel cannot be
	// restarted.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s KernelState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, readable from any goroutine.
type fastState struct {
	v atomic.Uint64
}

// Load returns the current state atomically.
func (s *fastState) Load() KernelState {
	return KernelState(s.v.Load())
}

// Store atomically stores a new state, without validating the transition.
// Only used for the terminal state.
func (s *fastState) Store(state KernelState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *fastState) TryTransition(from, to KernelState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
