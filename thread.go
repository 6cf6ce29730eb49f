// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package klite

import (
	"errors"
	"runtime"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
	"github.com/joeycumines/go-klite/port"
)

// Priority is a thread priority, higher values being more urgent.
type Priority uint8

const (
	// PriorityIdle is reserved for the idle thread.
	PriorityIdle Priority = 0
	// PriorityLowest is the lowest priority available to other threads.
	PriorityLowest Priority = 1
	// PriorityNormal is the default priority.
	PriorityNormal Priority = 4
	// PriorityHighest is the highest priority.
	PriorityHighest Priority = 7

	priorityLevels = int(PriorityHighest) + 1
)

// tcbSize is the arena footprint of a thread, excluding its stack.
const tcbSize = 128

func clampPriority(p Priority) Priority {
	if p == PriorityIdle {
		return PriorityNormal
	}
	if p > PriorityHighest {
		return PriorityHighest
	}
	return p
}

// ThreadState is the scheduling state of a Thread.
type ThreadState uint8

const (
	// ThreadReady indicates the thread is queued to run.
	ThreadReady ThreadState = iota
	// ThreadRunning indicates the thread owns the CPU.
	ThreadRunning
	// ThreadSleeping indicates the thread is in Kernel.Sleep.
	ThreadSleeping
	// ThreadBlocked indicates the thread is waiting on an object, possibly
	// with a timeout.
	ThreadBlocked
	// ThreadSuspended indicates the thread would be ready, but is suspended.
	ThreadSuspended
	// ThreadDead indicates the thread has exited, or been deleted.
	ThreadDead
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadSleeping:
		return "Sleeping"
	case ThreadBlocked:
		return "Blocked"
	case ThreadSuspended:
		return "Suspended"
	case ThreadDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Thread is a kernel thread, created by Kernel.NewThread.
//
// Methods may be called by any thread of the same kernel, or by the
// goroutine that called New, prior to Start.
type Thread struct {
	k     *Kernel
	entry func()
	ctx   port.Context
	name  string

	// ready queue, sleep list, or dead list
	sched list.Node[*Thread]
	// wait list of whatever the thread is blocked on
	wait list.Node[*Thread]
	// Kernel.alive
	alive list.Node[*Thread]

	joiners list.List[*Thread]

	// ticks charged while running
	time uint64
	// deadline, relative to Kernel.idleElapse
	wake uint64

	mem       heap.Ptr
	stackSize int
	id        uint32
	timeout   Tick
	// slot passed on by MemPool.Free
	grant     uint32
	prio      Priority
	state     ThreadState
	suspended bool
}

// NewThread creates a thread running entry, which is made ready
// immediately. If the kernel is running and the new thread has a higher
// priority than the caller, it runs before NewThread returns.
//
// The thread exits when entry returns, or it calls Kernel.Exit.
func (k *Kernel) NewThread(entry func(), opts ...ThreadOption) (*Thread, error) {
	if entry == nil {
		return nil, errors.New(`klite: nil thread entry`)
	}
	cfg, err := resolveThreadOptions(k.stackSize, opts)
	if err != nil {
		return nil, err
	}
	return k.newThread(entry, cfg)
}

func (k *Kernel) newThread(entry func(), cfg *threadOptions) (*Thread, error) {
	size := tcbSize + cfg.stackSize
	mem := k.heap.Alloc(size)
	if mem == heap.Nil {
		return nil, noMemory(`thread`, size)
	}

	k.enter()
	defer k.leave()

	k.lastID++
	t := &Thread{
		k:         k,
		entry:     entry,
		name:      cfg.name,
		mem:       mem,
		stackSize: cfg.stackSize,
		id:        k.lastID,
		prio:      cfg.priority,
	}
	t.sched.Init(t)
	t.wait.Init(t)
	t.alive.Init(t)
	t.ctx = k.port.ContextInit(entry, func() { k.retire(t) })

	k.alive.PushBack(&t.alive)
	k.tcbReady(t, false)
	k.hooks.threadCreate(t)

	k.logger.Debug().
		Uint64(`id`, uint64(t.id)).
		Str(`thread`, t.name).
		Int(`prio`, int(t.prio)).
		Int(`size`, size).
		Log(`thread created`)

	k.schedPreempt(false)
	return t, nil
}

// retire is the exit path of every thread, run on the thread's goroutine.
func (k *Kernel) retire(t *Thread) {
	k.enter()
	if k.current != t || t == k.idle {
		// unwinding after the port halted
		k.leave()
		return
	}
	k.schedLock = 0
	k.schedPending = false
	k.tcbUnlink(t)
	k.alive.Remove(&t.alive)
	t.state = ThreadDead
	k.dead.PushBack(&t.sched)
	k.wakeAll(&t.joiners)
	k.hooks.threadDelete(t)
	k.logger.Debug().
		Uint64(`id`, uint64(t.id)).
		Str(`thread`, t.name).
		Log(`thread exited`)
	k.schedSwitch()
	k.leave()
}

// release returns the memory of a dead thread to the arena, including any
// blocks it allocated and still owns.
func (k *Kernel) release(t *Thread) {
	if n := k.heap.FreeOwned(t.id); n != 0 {
		k.logger.Debug().
			Uint64(`id`, uint64(t.id)).
			Int(`blocks`, n).
			Log(`freed blocks owned by thread`)
	}
	k.heap.Free(t.mem)
}

// idleMain is the idle thread, which reclaims dead threads, and waits for
// interrupts whenever nothing else is ready.
func (k *Kernel) idleMain() {
	for {
		k.hooks.idle()
		k.reclaim()
		k.enter()
		if k.prioBitmap != 0 {
			k.tcbReady(k.current, false)
			k.schedSwitch()
		} else {
			k.port.SysIdle(k.nextTimeout())
		}
		k.leave()
	}
}

func (k *Kernel) reclaim() {
	for {
		k.enter()
		n := k.dead.PopFront()
		k.leave()
		if n == nil {
			return
		}
		k.release(n.Value)
	}
}

// Exit terminates the calling thread. It does not return. Deferred calls
// of the thread run before it switches away for the last time. The memory
// of the thread is reclaimed later, by the idle thread.
func (k *Kernel) Exit() {
	runtime.Goexit()
}

// Self returns the running thread, or nil prior to Start.
func (k *Kernel) Self() *Thread {
	return k.current
}

// Yield moves the calling thread to the back of its ready queue, running
// any other ready threads of equal or higher priority. It does nothing while
// the scheduler is suspended.
func (k *Kernel) Yield() {
	k.enter()
	if k.schedLock != 0 {
		k.leave()
		return
	}
	k.tcbReady(k.current, false)
	k.schedSwitch()
	k.leave()
}

// Sleep blocks the calling thread for timeout ticks. Sleep(0) is Yield.
func (k *Kernel) Sleep(timeout Tick) {
	if timeout == 0 {
		k.Yield()
		return
	}
	k.enter()
	k.hooks.threadSleep(k.current, timeout)
	k.blockOn(nil, timeout)
}

// Threads returns every thread that has not exited, in order of creation.
func (k *Kernel) Threads() []*Thread {
	k.enter()
	defer k.leave()
	threads := make([]*Thread, 0, k.alive.Len())
	for t := range k.alive.All() {
		threads = append(threads, t)
	}
	return threads
}

// FindThread returns the live thread with the given id, or nil.
func (k *Kernel) FindThread(id uint32) *Thread {
	k.enter()
	defer k.leave()
	for t := range k.alive.All() {
		if t.id == id {
			return t
		}
	}
	return nil
}

// ID returns the thread id, unique per kernel. The idle thread is 1.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the name set by WithName.
func (t *Thread) Name() string { return t.name }

// Priority returns the current priority.
func (t *Thread) Priority() Priority { return t.prio }

// State returns the scheduling state.
func (t *Thread) State() ThreadState { return t.state }

// Time returns the ticks the thread has spent running.
func (t *Thread) Time() uint64 { return t.time }

// StackSize returns the size of the stack allocated with the thread.
func (t *Thread) StackSize() int { return t.stackSize }

// SetPriority changes the priority of t, preempting the caller if
// necessary. Zero selects PriorityNormal, and values above PriorityHighest
// are clamped. The idle thread's priority cannot be changed.
func (t *Thread) SetPriority(prio Priority) error {
	k := t.k
	prio = clampPriority(prio)
	k.enter()
	defer k.leave()
	if t == k.idle || t.state == ThreadDead {
		return ErrInvalidThread
	}
	switch {
	case t.state == ThreadReady && t.sched.Linked():
		k.tcbUnlink(t)
		t.prio = prio
		k.tcbReady(t, false)
	case k.pending(t):
		// requeued at the new priority, and the pending switch retargeted
		t.prio = prio
		k.schedSwitch()
	default:
		t.prio = prio
		if l := t.wait.List(); l != nil && k.waitOrder == WaitPriority {
			l.Remove(&t.wait)
			k.waitInsert(t, l)
		}
	}
	k.schedPreempt(false)
	return nil
}

// Suspend stops t from being scheduled until Resume. A blocked or sleeping
// thread continues to wait, and is parked once woken. Suspending the
// calling thread switches away immediately.
func (t *Thread) Suspend() error {
	k := t.k
	k.enter()
	defer k.leave()
	if t == k.idle || t.state == ThreadDead {
		return ErrInvalidThread
	}
	if t.suspended {
		return nil
	}
	if t == k.current && k.schedLock != 0 {
		panic(`klite: blocking call with the scheduler suspended`)
	}
	t.suspended = true
	k.hooks.threadSuspend(t)
	switch t.state {
	case ThreadRunning:
		t.state = ThreadSuspended
		k.schedSwitch()
	case ThreadReady:
		k.tcbUnlink(t)
		t.state = ThreadSuspended
		if k.pending(t) {
			k.schedSwitch()
		}
	}
	return nil
}

// Resume undoes Suspend.
func (t *Thread) Resume() error {
	k := t.k
	k.enter()
	defer k.leave()
	if t.state == ThreadDead {
		return ErrInvalidThread
	}
	if !t.suspended {
		return nil
	}
	t.suspended = false
	k.hooks.threadResume(t)
	if t.state == ThreadSuspended {
		k.tcbReady(t, false)
		k.schedPreempt(false)
	}
	return nil
}

// Join waits for t to exit, returning the time remaining, or 0 on timeout.
// A thread cannot join itself.
func (t *Thread) Join(timeout Tick) Tick {
	k := t.k
	k.enter()
	if t.state == ThreadDead {
		k.leave()
		return acquired(timeout)
	}
	if timeout == 0 || t == k.current {
		k.leave()
		return 0
	}
	return k.blockOn(&t.joiners, timeout)
}

// Delete terminates t. Deleting the calling thread is Exit. Otherwise, t is
// removed from every list, and its memory is released immediately. The
// idle thread cannot be deleted.
//
// The deleted thread is given no chance to clean up, so anything it holds
// (e.g. a Mutex) stays held.
func (t *Thread) Delete() error {
	k := t.k
	k.enter()
	if t == k.current {
		k.leave()
		k.Exit()
	}
	if t == k.idle || t.state == ThreadDead {
		k.leave()
		return ErrInvalidThread
	}
	k.tcbUnlink(t)
	k.alive.Remove(&t.alive)
	t.state = ThreadDead
	t.suspended = false
	if k.pending(t) {
		k.schedSwitch()
	}
	k.wakeAll(&t.joiners)
	k.hooks.threadDelete(t)
	k.logger.Debug().
		Uint64(`id`, uint64(t.id)).
		Str(`thread`, t.name).
		Log(`thread deleted`)
	k.leave()

	k.release(t)

	k.enter()
	k.schedPreempt(false)
	k.leave()
	return nil
}

// acquired is the result of a timed operation that succeeded without
// blocking.
func acquired(timeout Tick) Tick {
	if timeout == 0 {
		return 1
	}
	return timeout
}
