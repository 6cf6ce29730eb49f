package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const mutexSize = 24

// Mutex is a recursive mutex. Unlocking passes ownership directly to the
// first waiter, in wait list order. There is no priority inheritance.
type Mutex struct {
	k     *Kernel
	owner *Thread
	wait  list.List[*Thread]
	mem   heap.Ptr
	lock  uint32
}

// NewMutex creates an unlocked mutex.
func (k *Kernel) NewMutex() (*Mutex, error) {
	mem, err := k.alloc(`mutex`, mutexSize)
	if err != nil {
		return nil, err
	}
	return &Mutex{k: k, mem: mem}, nil
}

// Delete frees the mutex. It must be unlocked, without waiters.
func (x *Mutex) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// Lock acquires the mutex, blocking while another thread holds it. Each
// Lock by the owner must be matched by an Unlock.
func (x *Mutex) Lock() {
	x.TimedLock(WaitForever)
}

func (x *Mutex) TryLock() bool {
	return x.TimedLock(0) != 0
}

// TimedLock is Lock, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired, and nonzero otherwise.
func (x *Mutex) TimedLock(timeout Tick) Tick {
	k := x.k
	k.enter()
	cur := k.current
	switch x.owner {
	case nil:
		x.owner = cur
		x.lock = 1
		k.leave()
		return acquired(timeout)
	case cur:
		x.lock++
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 {
		k.leave()
		return 0
	}
	return k.blockOn(&x.wait, timeout)
}

// Unlock releases one level of ownership. Unlocking a mutex the caller does
// not own is ignored.
func (x *Mutex) Unlock() {
	k := x.k
	k.enter()
	defer k.leave()
	cur := k.current
	if x.owner != cur || cur == nil {
		k.logger.Warning().
			Uint64(`id`, uint64(k.selfID())).
			Log(`mutex unlock by non-owner`)
		return
	}
	x.lock--
	if x.lock != 0 {
		return
	}
	if x.handOff() {
		k.schedPreempt(false)
	}
}

// Owner returns the thread holding the mutex, or nil.
func (x *Mutex) Owner() *Thread {
	x.k.enter()
	defer x.k.leave()
	return x.owner
}

// handOff passes ownership to the first waiter, if any.
func (x *Mutex) handOff() bool {
	t := x.k.wakeFrom(&x.wait)
	x.owner = t
	if t == nil {
		return false
	}
	x.lock = 1
	return true
}

// unlockAll fully releases the mutex if t holds it, returning the lock
// count to restore. It does not preempt.
func (x *Mutex) unlockAll(t *Thread) uint32 {
	if x.owner != t || t == nil {
		return 0
	}
	n := x.lock
	x.lock = 0
	x.handOff()
	return n
}

// relock reacquires the mutex (forever) with a saved lock count.
func (x *Mutex) relock(n uint32) {
	x.Lock()
	x.k.enter()
	x.lock = n
	x.k.leave()
}
