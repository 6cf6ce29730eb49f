package klite

import (
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const rwlockSize = 24

// RWLock is a reader/writer lock. Any number of readers may hold it, or a
// single writer. A waiting writer blocks new readers, while unlocking a
// writer admits every waiting reader ahead of the next writer. Ownership is
// passed directly to the threads admitted, like a Mutex. It is not
// recursive, and does not track which threads hold it.
type RWLock struct {
	k       *Kernel
	readers list.List[*Thread]
	writers list.List[*Thread]
	mem     heap.Ptr
	// -1 while write locked, otherwise the number of readers
	count int
}

// NewRWLock creates an unlocked RWLock.
func (k *Kernel) NewRWLock() (*RWLock, error) {
	mem, err := k.alloc(`rwlock`, rwlockSize)
	if err != nil {
		return nil, err
	}
	return &RWLock{k: k, mem: mem}, nil
}

// Delete frees the lock. It must be unlocked, without waiters.
func (x *RWLock) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

// RLock acquires a read lock, blocking while write locked, or while a
// writer is waiting.
func (x *RWLock) RLock() {
	x.TimedRLock(WaitForever)
}

func (x *RWLock) TryRLock() bool {
	return x.TimedRLock(0) != 0
}

// TimedRLock is RLock, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired, and nonzero otherwise.
func (x *RWLock) TimedRLock(timeout Tick) Tick {
	k := x.k
	k.enter()
	if x.count >= 0 && x.writers.Empty() {
		x.count++
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 {
		k.leave()
		return 0
	}
	return k.blockOn(&x.readers, timeout)
}

// RUnlock releases a read lock, admitting the first waiting writer once the
// last reader is gone.
func (x *RWLock) RUnlock() {
	k := x.k
	k.enter()
	defer k.leave()
	if x.count <= 0 {
		k.logger.Warning().
			Uint64(`id`, uint64(k.selfID())).
			Log(`rwlock read unlock while not read locked`)
		return
	}
	x.count--
	var woke bool
	if x.count == 0 {
		woke = x.admitWriter()
	}
	if !woke && x.writers.Empty() {
		// readers held back by a writer that gave up
		woke = x.admitReaders()
	}
	if woke {
		k.schedPreempt(false)
	}
}

// Lock acquires the write lock, blocking while any thread holds the lock.
func (x *RWLock) Lock() {
	x.TimedLock(WaitForever)
}

func (x *RWLock) TryLock() bool {
	return x.TimedLock(0) != 0
}

// TimedLock is Lock, giving up after timeout ticks. It returns the time
// remaining, which is 0 if the timeout expired, and nonzero otherwise.
func (x *RWLock) TimedLock(timeout Tick) Tick {
	k := x.k
	k.enter()
	if x.count == 0 && x.writers.Empty() {
		x.count = -1
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 {
		k.leave()
		return 0
	}
	return k.blockOn(&x.writers, timeout)
}

// Unlock releases the write lock.
func (x *RWLock) Unlock() {
	k := x.k
	k.enter()
	defer k.leave()
	if x.count != -1 {
		k.logger.Warning().
			Uint64(`id`, uint64(k.selfID())).
			Log(`rwlock unlock while not write locked`)
		return
	}
	x.count = 0
	woke := x.admitReaders()
	if !woke {
		woke = x.admitWriter()
	}
	if woke {
		k.schedPreempt(false)
	}
}

// Readers returns the number of threads holding a read lock.
func (x *RWLock) Readers() int {
	x.k.enter()
	defer x.k.leave()
	return max(x.count, 0)
}

// Locked reports whether a writer holds the lock.
func (x *RWLock) Locked() bool {
	x.k.enter()
	defer x.k.leave()
	return x.count < 0
}

func (x *RWLock) admitReaders() (woke bool) {
	for x.k.wakeFrom(&x.readers) != nil {
		x.count++
		woke = true
	}
	return woke
}

func (x *RWLock) admitWriter() bool {
	if x.k.wakeFrom(&x.writers) == nil {
		return false
	}
	x.count = -1
	return true
}
