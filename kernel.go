// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package klite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
	"github.com/joeycumines/go-klite/port"
	"github.com/joeycumines/logiface"
)

// Kernel is a single kernel instance, owning its arena, threads, and
// scheduler state. Create instances using New.
type Kernel struct {
	port         port.Port
	heap         *heap.Heap
	logger       *logiface.Logger[logiface.Event]
	faultLimiter *catrate.Limiter
	hooks        Hooks

	// threads waiting to be dispatched, one FIFO per priority
	ready [priorityLevels]list.List[*Thread]
	// threads with a deadline, see schedTiming
	sleep list.List[*Thread]
	// exited threads, pending reclamation by the idle thread
	dead list.List[*Thread]
	// every thread which is not dead
	alive list.List[*Thread]

	current *Thread
	next    *Thread
	idle    *Thread

	heapLock heapLock

	// ticks not yet applied to the sleep list
	idleElapse uint64
	// earliest deadline in the sleep list, relative to the same base as
	// idleElapse
	idleTimeout uint64

	tickCount atomic.Uint64
	state     fastState
	stackSize int
	lastID    uint32
	waitOrder WaitOrder

	prioBitmap  uint32
	prioHighest Priority

	// SchedSuspend nesting, and the preemption deferred meanwhile
	schedLock      int
	schedPending   bool
	schedPendingRR bool
}

// New initialises a kernel, using mem as the arena, and p as the CPU. This
// is kernel_init: the heap is set up, and the idle thread created, but
// nothing runs until Start. Threads and other objects may be created prior
// to Start, from the calling goroutine.
func New(mem []byte, p port.Port, opts ...Option) (*Kernel, error) {
	if p == nil {
		return nil, errors.New(`klite: nil port`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		port:        p,
		logger:      cfg.logger,
		hooks:       cfg.hooks,
		stackSize:   cfg.stackSize,
		waitOrder:   cfg.waitOrder,
		idleTimeout: noDeadline,
	}
	k.heapLock.k = k

	fault := cfg.heapFault
	if fault == nil {
		if len(cfg.faultRates) != 0 {
			k.faultLimiter = catrate.NewLimiter(cfg.faultRates)
		}
		fault = k.logHeapFault
	}

	k.heap, err = heap.New(mem, heap.WithLocker(&k.heapLock), heap.WithFaultHandler(fault))
	if err != nil {
		return nil, fmt.Errorf(`klite: %w`, err)
	}

	k.idle, err = k.newThread(k.idleMain, &threadOptions{
		name:      `idle`,
		stackSize: cfg.idleStackSize,
		priority:  PriorityIdle,
	})
	if err != nil {
		return nil, err
	}

	return k, nil
}

// Start dispatches the highest priority thread, and runs the kernel until
// ctx is done, at which point it halts the port, and returns ctx.Err(). This
// is kernel_start. A kernel may only be started once.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.state.TryTransition(StateAwake, StateRunning) {
		if k.state.Load() == StateTerminated {
			return ErrKernelTerminated
		}
		return ErrKernelStarted
	}
	defer k.state.Store(StateTerminated)

	k.logger.Info().
		Int(`heap`, k.heap.Size()).
		Int(`threads`, k.alive.Len()).
		Log(`kernel starting`)

	k.enter()
	k.schedSwitch()
	k.leave()

	err := k.port.SysStart(ctx, scheduler{k})

	k.logger.Info().
		Uint64(`ticks`, k.TickCount64()).
		Uint64(`idle`, k.IdleTime()).
		Log(`kernel stopped`)

	return err
}

// State returns the lifecycle state. Safe to call from any goroutine.
func (k *Kernel) State() KernelState {
	return k.state.Load()
}

// TickCount returns the low 32 bits of TickCount64.
func (k *Kernel) TickCount() uint32 {
	return uint32(k.tickCount.Load())
}

// TickCount64 returns the number of ticks since Start. Safe to call from
// any goroutine.
func (k *Kernel) TickCount64() uint64 {
	return k.tickCount.Load()
}

// IdleTime returns the number of ticks charged to the idle thread.
func (k *Kernel) IdleTime() uint64 {
	return k.idle.time
}

// Alloc allocates size bytes from the arena, returning heap.Nil on failure.
// The block is tagged with the calling thread, and freed automatically if
// the thread exits or is deleted, unless detached using Disown.
func (k *Kernel) Alloc(size int) heap.Ptr {
	return k.heap.AllocOwned(size, k.selfID())
}

// Realloc moves p into a new block of size bytes. See heap.Heap.Realloc.
func (k *Kernel) Realloc(p heap.Ptr, size int) heap.Ptr {
	return k.heap.Realloc(p, size)
}

// Free releases a block returned by Alloc or Realloc.
func (k *Kernel) Free(p heap.Ptr) {
	k.heap.Free(p)
}

// Disown moves p into a new block not tagged with any thread, so it
// outlives its allocator. Returns heap.Nil if the arena is exhausted, in
// which case p is unchanged.
func (k *Kernel) Disown(p heap.Ptr) heap.Ptr {
	b := k.heap.Bytes(p)
	if b == nil {
		return heap.Nil
	}
	np := k.heap.Alloc(len(b))
	if np == heap.Nil {
		return heap.Nil
	}
	copy(k.heap.Bytes(np), b)
	k.heap.Free(p)
	return np
}

// Bytes returns the payload of p, aliasing the arena.
func (k *Kernel) Bytes(p heap.Ptr) []byte {
	return k.heap.Bytes(p)
}

// HeapUsage returns the bytes used and free, summing to the arena size.
func (k *Kernel) HeapUsage() (used, free int) {
	return k.heap.Usage()
}

// HeapStats returns allocator statistics.
func (k *Kernel) HeapStats() heap.Stats {
	return k.heap.Stats()
}

// HeapNodes returns a snapshot of every live allocation. The owner of each
// is the id of the thread that allocated it, or 0 for kernel objects.
func (k *Kernel) HeapNodes() []heap.NodeInfo {
	return k.heap.Nodes()
}

func (k *Kernel) enter() {
	k.port.EnterCritical()
}

func (k *Kernel) leave() {
	k.port.LeaveCritical()
}

func (k *Kernel) selfID() uint32 {
	if t := k.current; t != nil {
		return t.id
	}
	return 0
}

// alloc allocates a kernel object, not owned by any thread.
func (k *Kernel) alloc(kind string, size int) (heap.Ptr, error) {
	if p := k.heap.Alloc(size); p != heap.Nil {
		return p, nil
	}
	return heap.Nil, noMemory(kind, size)
}

func (k *Kernel) logHeapFault(size int) {
	if _, ok := k.faultLimiter.Allow(`heap_fault`); !ok {
		return
	}
	used, free := k.heap.Usage()
	k.logger.Err().
		Int(`size`, size).
		Int(`used`, used).
		Int(`free`, free).
		Uint64(`thread`, uint64(k.selfID())).
		Log(`heap alloc failed`)
}

// scheduler exposes the interrupt and switch entry points to the port.
type scheduler struct {
	k *Kernel
}

func (x scheduler) SwitchContext() (from, to port.Context, ok bool) {
	return x.k.switchContext()
}

func (x scheduler) TickSource(elapsed uint32) {
	x.k.tickSource(Tick(elapsed))
}
