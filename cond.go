package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const condSize = 16

// Cond is a condition variable, used with a Mutex.
type Cond struct {
	k    *Kernel
	wait list.List[*Thread]
	mem  heap.Ptr
}

// NewCond creates a condition variable.
func (k *Kernel) NewCond() (*Cond, error) {
	mem, err := k.alloc(`cond`, condSize)
	if err != nil {
		return nil, err
	}
	return &Cond{k: k, mem: mem}, nil
}

// Delete frees the condition variable. It must not have waiters.
func (x *Cond) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// Signal wakes the first waiter.
func (x *Cond) Signal() {
	k := x.k
	k.enter()
	if k.wakeFrom(&x.wait) != nil {
		k.schedPreempt(false)
	}
	k.leave()
}

// Broadcast wakes every waiter.
func (x *Cond) Broadcast() {
	k := x.k
	k.enter()
	if k.wakeAll(&x.wait) {
		k.schedPreempt(false)
	}
	k.leave()
}

// Wait atomically releases m, which the caller may hold recursively, and
// blocks until signalled. It reacquires m, at the same depth, before
// returning. A nil m is permitted.
func (x *Cond) Wait(m *Mutex) {
	x.TimedWait(m, WaitForever)
}

// TimedWait is Wait, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired. The mutex is held on
// return, whether or not the timeout expired.
func (x *Cond) TimedWait(m *Mutex, timeout Tick) Tick {
	k := x.k
	k.enter()
	if timeout == 0 {
		k.leave()
		return 0
	}
	k.mayBlock()
	cur := k.current
	k.tcbWait(cur, &x.wait, timeout)
	var depth uint32
	if m != nil {
		depth = m.unlockAll(cur)
	}
	k.schedSwitch()
	k.leave()

	remaining := cur.timeout
	if depth != 0 {
		m.relock(depth)
	}
	return remaining
}
