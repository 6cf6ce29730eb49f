package klite

import (
	"errors"
)

var (
	// ErrKernelStarted is returned by Kernel.Start if the kernel is already
	// running.
	ErrKernelStarted = errors.New(`klite: kernel is already running`)

	// ErrKernelTerminated is returned by Kernel.Start if the kernel has
	// already run to completion.
	ErrKernelTerminated = errors.New(`klite: kernel has been terminated`)

	// ErrNoMemory indicates the arena could not satisfy an allocation. It is
	// always wrapped with the kind of object being created.
	ErrNoMemory = errors.New(`klite: out of memory`)

	// ErrInvalidThread is returned by operations on a dead thread, or those
	// not permitted on the idle thread.
	ErrInvalidThread = errors.New(`klite: invalid thread`)

	// ErrInvalidBlock is returned by MemPool.Free for blocks not allocated
	// from that pool.
	ErrInvalidBlock = errors.New(`klite: invalid block`)

	// ErrMessageSize is returned when sending a message larger than the
	// queue's message size.
	ErrMessageSize = errors.New(`klite: message too large`)
)

// noMemory wraps ErrNoMemory with the kind of object being allocated.
func noMemory(kind string, size int) error {
	return &AllocError{Kind: kind, Size: size}
}

// AllocError is returned when a kernel object cannot be allocated.
type AllocError struct {
	Kind string
	Size int
}

// Error implements the error interface.
func (e *AllocError) Error() string {
	return `klite: ` + e.Kind + `: out of memory`
}

// Unwrap returns ErrNoMemory, for use with [errors.Is].
func (e *AllocError) Unwrap() error {
	return ErrNoMemory
}
