package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const eventSize = 16

// Event is a binary signal.
//
// A manual-reset event wakes every waiter when set, and stays set until
// Reset. An auto-reset event wakes exactly one waiter per Set, or if nobody
// is waiting, stays set until the next waiter consumes it.
type Event struct {
	k         *Kernel
	wait      list.List[*Thread]
	mem       heap.Ptr
	autoReset bool
	state     bool
}

// NewEvent creates an event, initially reset.
func (k *Kernel) NewEvent(autoReset bool) (*Event, error) {
	mem, err := k.alloc(`event`, eventSize)
	if err != nil {
		return nil, err
	}
	return &Event{k: k, mem: mem, autoReset: autoReset}, nil
}

// Delete frees the event. It must not have waiters.
func (x *Event) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

func (x *Event) Set() {
	k := x.k
	k.enter()
	defer k.leave()
	if x.autoReset {
		if k.wakeFrom(&x.wait) != nil {
			k.schedPreempt(false)
			return
		}
		x.state = true
		return
	}
	x.state = true
	if k.wakeAll(&x.wait) {
		k.schedPreempt(false)
	}
}

func (x *Event) Reset() {
	x.k.enter()
	x.state = false
	x.k.leave()
}

func (x *Event) IsSet() bool {
	x.k.enter()
	defer x.k.leave()
	return x.state
}

// Wait blocks until the event is set.
func (x *Event) Wait() {
	x.TimedWait(WaitForever)
}

// TimedWait is Wait, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired, and nonzero otherwise.
func (x *Event) TimedWait(timeout Tick) Tick {
	k := x.k
	k.enter()
	if x.state {
		if x.autoReset {
			x.state = false
		}
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 {
		k.leave()
		return 0
	}
	return k.blockOn(&x.wait, timeout)
}
