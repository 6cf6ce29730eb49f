package klite

import (
	"github.com/joeycumines/go-klite/heap"
)

const eventFlagsSize = 48

// FlagsMode controls EventFlags.Wait.
type FlagsMode uint8

const (
	// WaitAny is satisfied by any of the requested bits.
	WaitAny FlagsMode = 0
	// WaitAll is satisfied only once every requested bit is set.
	WaitAll FlagsMode = 1
	// AutoReset clears the requested bits, once satisfied.
	AutoReset FlagsMode = 2
)

// EventFlags is a set of 32 event bits, which threads may wait on in
// combination.
type EventFlags struct {
	mu   Mutex
	cond Cond
	mem  heap.Ptr
	bits uint32
}

// NewEventFlags creates an event flags object, with every bit clear.
func (k *Kernel) NewEventFlags() (*EventFlags, error) {
	mem, err := k.alloc(`event flags`, eventFlagsSize)
	if err != nil {
		return nil, err
	}
	x := &EventFlags{mem: mem}
	x.mu.k = k
	x.cond.k = k
	return x, nil
}

// Delete frees the event flags. There must not be any waiters.
func (x *EventFlags) Delete() {
	if x.mem != heap.Nil {
		x.mu.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// Set sets bits, waking every waiter to re-evaluate.
func (x *EventFlags) Set(bits uint32) {
	x.mu.Lock()
	x.bits |= bits
	x.mu.Unlock()
	x.cond.Broadcast()
}

// Reset clears bits.
func (x *EventFlags) Reset(bits uint32) {
	x.mu.Lock()
	x.bits &^= bits
	x.mu.Unlock()
}

func (x *EventFlags) Value() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bits
}

// Wait blocks until bits are set, as per mode, returning the requested bits
// that were set, or 0 if the timeout expired.
func (x *EventFlags) Wait(bits uint32, mode FlagsMode, timeout Tick) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	for {
		if v := x.match(bits, mode); v != 0 || timeout == 0 {
			return v
		}
		timeout = x.cond.TimedWait(&x.mu, timeout)
	}
}

func (x *EventFlags) match(bits uint32, mode FlagsMode) uint32 {
	v := x.bits & bits
	if v == 0 || (mode&WaitAll != 0 && v != bits) {
		return 0
	}
	if mode&AutoReset != 0 {
		x.bits &^= bits
	}
	return v
}
