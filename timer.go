package klite

import (
	"errors"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

const timerSize = 24

// TimerService runs software timers, calling their handlers from a
// dedicated thread. Handlers run one at a time, in the order the timers
// were created, and may start or stop any timer (including their own). A
// handler that blocks delays every other timer.
type TimerService struct {
	k      *Kernel
	mu     *Mutex
	wake   *Event
	thread *Thread
	timers list.List[*Timer]
}

// Timer is a periodic software timer, created by TimerService.NewTimer.
type Timer struct {
	svc     *TimerService
	handler func()
	node    list.Node[*Timer]
	mem     heap.Ptr
	// period, or 0 while stopped
	reload Tick
	// ticks until the next expiry
	remain Tick
}

// NewTimerService creates the service thread, which is named `timer` unless
// opts includes WithName.
func (k *Kernel) NewTimerService(opts ...ThreadOption) (*TimerService, error) {
	mu, err := k.NewMutex()
	if err != nil {
		return nil, err
	}
	wake, err := k.NewEvent(true)
	if err != nil {
		mu.Delete()
		return nil, err
	}
	x := &TimerService{k: k, mu: mu, wake: wake}
	opts = append([]ThreadOption{WithName(`timer`)}, opts...)
	x.thread, err = k.NewThread(x.run, opts...)
	if err != nil {
		wake.Delete()
		mu.Delete()
		return nil, err
	}
	return x, nil
}

// Delete stops the service thread, and frees every timer. It must not be
// called by a handler.
func (x *TimerService) Delete() error {
	if err := x.thread.Delete(); err != nil && !errors.Is(err, ErrInvalidThread) {
		return err
	}
	for t := range x.timers.All() {
		x.timers.Remove(&t.node)
		t.free()
	}
	x.wake.Delete()
	x.mu.Delete()
	return nil
}

// Thread returns the service thread.
func (x *TimerService) Thread() *Thread { return x.thread }

// NewTimer creates a stopped timer, which calls handler on each expiry.
func (x *TimerService) NewTimer(handler func()) (*Timer, error) {
	if handler == nil {
		return nil, errors.New(`klite: timer: nil handler`)
	}
	mem, err := x.k.alloc(`timer`, timerSize)
	if err != nil {
		return nil, err
	}
	t := &Timer{svc: x, handler: handler, mem: mem}
	t.node.Init(t)
	x.mu.Lock()
	x.timers.PushBack(&t.node)
	x.mu.Unlock()
	return t, nil
}

// Start (re)arms the timer to expire every period ticks, the first time
// period ticks from now. A period of 0 is treated as 1.
func (x *Timer) Start(period Tick) {
	period = max(period, 1)
	x.svc.mu.Lock()
	x.reload = period
	x.remain = period
	x.svc.mu.Unlock()
	x.svc.wake.Set()
}

// Stop disarms the timer. A handler already running is not interrupted.
func (x *Timer) Stop() {
	x.svc.mu.Lock()
	x.reload = 0
	x.svc.mu.Unlock()
	x.svc.wake.Set()
}

// Running reports whether the timer is armed.
func (x *Timer) Running() bool {
	x.svc.mu.Lock()
	defer x.svc.mu.Unlock()
	return x.reload != 0
}

// Delete stops and frees the timer.
func (x *Timer) Delete() {
	svc := x.svc
	svc.mu.Lock()
	if svc.timers.Remove(&x.node) {
		x.free()
	}
	svc.mu.Unlock()
}

func (x *Timer) free() {
	x.reload = 0
	if x.mem != heap.Nil {
		x.svc.k.heap.Free(x.mem)
		x.mem = heap.Nil
	}
}

func (x *TimerService) run() {
	k := x.k
	k.logger.Debug().
		Uint64(`id`, uint64(k.selfID())).
		Log(`timer service started`)
	last := k.TickCount64()
	for {
		now := k.TickCount64()
		timeout := x.process(Tick(now - last))
		last = now
		elapsed := Tick(k.TickCount64() - last)
		switch {
		case timeout == WaitForever:
			x.wake.Wait()
		case timeout > elapsed:
			x.wake.TimedWait(timeout - elapsed)
		}
	}
}

// process charges elapsed ticks to every running timer, calling the
// handlers of those due, and returns the ticks until the next expiry.
func (x *TimerService) process(elapsed Tick) Tick {
	x.mu.Lock()
	defer x.mu.Unlock()
	next := WaitForever
	for t := range x.timers.All() {
		if t.reload == 0 {
			continue
		}
		if t.remain > elapsed {
			t.remain -= elapsed
		} else {
			t.remain = t.reload
			t.handler()
			if t.reload == 0 || !t.node.Linked() {
				// stopped or deleted by its handler
				continue
			}
		}
		next = min(next, t.remain)
	}
	return next
}
