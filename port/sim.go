package port

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/goroutineid"
)

type (
	// Sim is a Port simulating a single core. Every thread context is backed
	// by a goroutine, and exactly one of them (the one owning the CPU) runs
	// at a time, the CPU being passed between them over channels. Interrupts
	// are queued by other goroutines, and serviced by the CPU goroutine when
	// it leaves its outermost critical section, or while idle.
	//
	// A thread that never calls into the kernel is never preempted.
	//
	// When SysStart returns, each remaining thread goroutine has been woken
	// in turn and unwound with runtime.Goexit, running its deferred calls
	// while kernel calls return immediately. The exit function passed to
	// ContextInit is not called for threads unwound this way. Threads
	// blocked outside the kernel (e.g. on a channel) prevent SysStart from
	// returning.
	//
	// While started, critical sections may only be entered by the goroutine
	// owning the CPU (anything else panics), and Tick and Raise may only be
	// called by other goroutines.
	Sim struct {
		sched  Scheduler
		irq    chan interrupt
		stop   chan struct{}
		halt   sync.Once
		frames map[*frame]struct{}
		// current owner of the CPU
		running *frame
		// interrupts received, but not yet serviced
		pending    []interrupt
		wg         sync.WaitGroup
		mu         sync.Mutex
		tickPeriod time.Duration
		// goroutine id of the current owner of the CPU
		cpu       atomic.Int64
		depth     int
		started   atomic.Bool
		switchReq bool
	}

	frame struct {
		wake chan struct{}
		// set once the goroutine begins to exit, after which it never parks
		exiting bool
		// set if the goroutine was unwound by the halt
		halted bool
		// set when the goroutine has passed the CPU on for the last time
		handedOff bool
	}

	interrupt struct {
		fn    func()
		done  chan struct{}
		ticks uint32
	}
)

var (
	// ErrHalted is returned when interrupting a halted Sim.
	ErrHalted = errors.New(`port: sim has halted`)

	// ErrStarted is returned by SysStart if the Sim was already started.
	ErrStarted = errors.New(`port: sim already started`)

	// ErrNoContext is returned by SysStart if the scheduler had nothing to
	// dispatch.
	ErrNoContext = errors.New(`port: no context to dispatch`)

	// ErrOnCPU is returned when Tick or Raise is called by the goroutine
	// owning the CPU, which would otherwise wait on itself.
	ErrOnCPU = errors.New(`port: sim: interrupt raised on the CPU`)
)

var _ Port = (*Sim)(nil)

// NewSim initialises a simulated CPU.
func NewSim(opts ...Option) (*Sim, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Sim{
		irq:        make(chan interrupt, cfg.queueSize),
		stop:       make(chan struct{}),
		frames:     make(map[*frame]struct{}),
		tickPeriod: cfg.tickPeriod,
	}, nil
}

// Tick raises a tick interrupt of n ticks, and waits for it to be serviced.
// It returns ErrOnCPU if called by a kernel thread.
func (x *Sim) Tick(n uint32) error {
	return x.interrupt(interrupt{ticks: n})
}

// Raise runs fn in interrupt context on the CPU, and waits for it to finish.
// It returns ErrOnCPU if called by a kernel thread. The fn must not block.
func (x *Sim) Raise(fn func()) error {
	return x.interrupt(interrupt{fn: fn})
}

// Halted reports whether the Sim has begun shutting down.
func (x *Sim) Halted() bool {
	select {
	case <-x.stop:
		return true
	default:
		return false
	}
}

func (x *Sim) EnterCritical() {
	if x.started.Load() && !x.onCPU() {
		panic(`port: sim: enter critical: not on the CPU`)
	}
	x.depth++
}

func (x *Sim) LeaveCritical() {
	started := x.started.Load()
	if started && !x.onCPU() {
		panic(`port: sim: leave critical: not on the CPU`)
	}
	if x.depth <= 0 {
		panic(`port: sim: leave critical: not in a critical section`)
	}
	x.depth--
	if x.depth == 0 && started {
		x.dispatch()
	}
}

func (x *Sim) ContextInit(entry, exit func()) Context {
	f := &frame{wake: make(chan struct{}, 1)}

	x.mu.Lock()
	x.frames[f] = struct{}{}
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.finish(f)
		<-f.wake
		x.acquire()
		if x.Halted() {
			return
		}
		defer func() {
			if f.halted {
				return
			}
			f.exiting = true
			exit()
		}()
		entry()
	}()

	return f
}

func (x *Sim) ContextSwitch() {
	x.switchReq = true
}

func (x *Sim) SysIdle(uint32) {
	if len(x.pending) != 0 {
		return
	}
	select {
	case irq := <-x.irq:
		x.pending = append(x.pending, irq)
	case <-x.stop:
	}
}

func (x *Sim) SysStart(ctx context.Context, s Scheduler) error {
	if x.sched != nil {
		return ErrStarted
	}
	x.sched = s
	x.switchReq = false

	_, to, ok := s.SwitchContext()
	if !ok {
		return ErrNoContext
	}
	x.running = to.(*frame)
	x.started.Store(true)

	var ticker sync.WaitGroup
	if x.tickPeriod > 0 {
		ticker.Add(1)
		go func() {
			defer ticker.Done()
			x.runTicker()
		}()
	}

	x.running.wake <- struct{}{}

	<-ctx.Done()
	x.halt.Do(func() { close(x.stop) })
	x.wg.Wait()
	ticker.Wait()
	// the caller owns the CPU from here on
	x.running = nil
	x.started.Store(false)
	x.acquire()

	return ctx.Err()
}

// dispatch is called by the CPU goroutine on leaving its outermost critical
// section.
func (x *Sim) dispatch() {
	f := x.running
	if x.Halted() {
		x.unwind(f)
		return
	}

	x.service()

	if !x.switchReq {
		return
	}
	x.switchReq = false

	from, to, ok := x.sched.SwitchContext()
	if !ok {
		return
	}
	if from != nil && from.(*frame) != f {
		panic(`port: sim: switch from a context that is not running`)
	}

	next := to.(*frame)
	x.running = next
	if from == nil {
		x.forget(f)
		next.wake <- struct{}{}
		return
	}
	next.wake <- struct{}{}

	<-f.wake
	x.acquire()
	if x.Halted() {
		x.unwind(f)
	}
}

// service runs pending interrupt handlers, until none remain.
func (x *Sim) service() {
	for {
		x.poll()
		if len(x.pending) == 0 {
			return
		}
		batch := x.pending
		x.pending = nil
		for _, irq := range batch {
			x.depth++
			if irq.ticks != 0 {
				x.sched.TickSource(irq.ticks)
			}
			if irq.fn != nil {
				irq.fn()
			}
			x.depth--
			if irq.done != nil {
				close(irq.done)
			}
		}
	}
}

func (x *Sim) poll() {
	for {
		select {
		case irq := <-x.irq:
			x.pending = append(x.pending, irq)
		default:
			return
		}
	}
}

// unwind exits the calling thread goroutine, unless it is already exiting.
func (x *Sim) unwind(f *frame) {
	if f.exiting {
		return
	}
	f.exiting = true
	f.halted = true
	runtime.Goexit()
}

// acquire records the calling goroutine as the owner of the CPU.
func (x *Sim) acquire() {
	x.cpu.Store(goid())
}

func (x *Sim) onCPU() bool {
	return x.cpu.Load() == goid()
}

func goid() int64 {
	if id := goroutineid.Fast(); id != -1 {
		return id
	}
	return goroutineid.Slow(make([]byte, 64))
}

// forget marks f as having passed the CPU on for the last time.
func (x *Sim) forget(f *frame) {
	f.handedOff = true
	x.mu.Lock()
	delete(x.frames, f)
	x.mu.Unlock()
}

// finish runs as each thread goroutine ends. While halting, the CPU is then
// passed to any remaining goroutine, so they unwind one at a time.
func (x *Sim) finish(f *frame) {
	defer x.wg.Done()
	if f.handedOff {
		return
	}

	x.mu.Lock()
	delete(x.frames, f)
	var next *frame
	if x.Halted() {
		for v := range x.frames {
			next = v
			break
		}
	}
	x.mu.Unlock()

	if next != nil {
		x.running = next
		next.wake <- struct{}{}
	}
}

func (x *Sim) interrupt(irq interrupt) error {
	if x.started.Load() && x.onCPU() {
		return ErrOnCPU
	}
	irq.done = make(chan struct{})
	select {
	case x.irq <- irq:
	case <-x.stop:
		return ErrHalted
	}
	select {
	case <-irq.done:
		return nil
	case <-x.stop:
		return ErrHalted
	}
}

func (x *Sim) runTicker() {
	t := time.NewTicker(x.tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-x.stop:
			return
		case <-t.C:
			select {
			case x.irq <- interrupt{ticks: 1}:
			case <-x.stop:
				return
			}
		}
	}
}
