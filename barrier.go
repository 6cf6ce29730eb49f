package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const barrierSize = 24

// Barrier releases its waiters together, once a target number of threads
// are waiting.
type Barrier struct {
	k      *Kernel
	wait   list.List[*Thread]
	mem    heap.Ptr
	target int
	value  int
	// incremented on each release
	gen uint32
}

// NewBarrier creates a barrier for target threads.
func (k *Kernel) NewBarrier(target int) (*Barrier, error) {
	mem, err := k.alloc(`barrier`, barrierSize)
	if err != nil {
		return nil, err
	}
	return &Barrier{k: k, mem: mem, target: target}, nil
}

// Delete frees the barrier. There must not be any waiters.
func (x *Barrier) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// Wait blocks until the target is reached, returning false if the timeout
// expired first, in which case the caller no longer counts towards the
// target.
func (x *Barrier) Wait(timeout Tick) bool {
	k := x.k
	k.enter()
	if timeout == 0 && x.value+1 < x.target {
		k.leave()
		return false
	}
	x.value++
	if x.check() {
		k.leave()
		return true
	}
	gen := x.gen
	if k.blockOn(&x.wait, timeout) != 0 {
		return true
	}
	k.enter()
	if x.gen == gen && x.value > 0 {
		x.value--
	}
	k.leave()
	return false
}

// SetTarget changes the target, releasing the waiters if it is reached.
func (x *Barrier) SetTarget(target int) {
	x.k.enter()
	x.target = target
	x.check()
	x.k.leave()
}

func (x *Barrier) Target() int {
	x.k.enter()
	defer x.k.leave()
	return x.target
}

// Waiting returns the number of threads waiting.
func (x *Barrier) Waiting() int {
	x.k.enter()
	defer x.k.leave()
	return x.value
}

func (x *Barrier) check() bool {
	if x.value < x.target {
		return false
	}
	x.value = 0
	x.gen++
	if x.k.wakeAll(&x.wait) {
		x.k.schedPreempt(false)
	}
	return true
}
