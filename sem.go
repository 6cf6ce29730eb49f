package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const semSize = 16

// Sem is a counting semaphore. Post hands the count directly to the first
// waiter, so waiters are served in wait list order, FIFO by default.
type Sem struct {
	k     *Kernel
	wait  list.List[*Thread]
	mem   heap.Ptr
	count uint32
}

// NewSem creates a semaphore with an initial count.
func (k *Kernel) NewSem(value uint32) (*Sem, error) {
	mem, err := k.alloc(`sem`, semSize)
	if err != nil {
		return nil, err
	}
	return &Sem{k: k, mem: mem, count: value}, nil
}

// Delete frees the semaphore. It must not have waiters.
func (x *Sem) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// Post increments the count, or wakes the first waiter.
func (x *Sem) Post() {
	k := x.k
	k.enter()
	if k.wakeFrom(&x.wait) != nil {
		k.schedPreempt(false)
	} else {
		x.count++
	}
	k.leave()
}

// Wait decrements the count, blocking while it is zero.
func (x *Sem) Wait() {
	x.TimedWait(WaitForever)
}

// TryWait decrements the count if it is nonzero.
func (x *Sem) TryWait() bool {
	return x.TimedWait(0) != 0
}

// TimedWait is Wait, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired, and nonzero otherwise.
func (x *Sem) TimedWait(timeout Tick) Tick {
	k := x.k
	k.enter()
	if x.count > 0 {
		x.count--
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 {
		k.leave()
		return 0
	}
	return k.blockOn(&x.wait, timeout)
}

// Value returns the count.
func (x *Sem) Value() uint32 {
	x.k.enter()
	defer x.k.leave()
	return x.count
}

// Reset sets the count, without waking anybody.
func (x *Sem) Reset(value uint32) {
	x.k.enter()
	x.count = value
	x.k.leave()
}
