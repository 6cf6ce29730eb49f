package klite

import (
	"github.com/joeycumines/go-klite/internal/list"
)

// heapLock serialises the arena between threads. It cannot use a Mutex,
// since a Mutex is itself allocated from the arena. Ownership passes
// directly to the first waiter on unlock.
type heapLock struct {
	k      *Kernel
	wait   list.List[*Thread]
	locked bool
}

func (x *heapLock) Lock() {
	k := x.k
	k.enter()
	if !x.locked {
		x.locked = true
		k.leave()
		return
	}
	k.blockOn(&x.wait, WaitForever)
}

func (x *heapLock) Unlock() {
	k := x.k
	k.enter()
	if k.wakeFrom(&x.wait) != nil {
		k.schedPreempt(false)
	} else {
		x.locked = false
	}
	k.leave()
}
