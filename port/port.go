// Package port defines the CPU contract the klite kernel runs on, and
// provides Sim, a simulated single-core CPU backed by goroutines.
package port

import (
	"context"
	"math"
)

type (
	// Context is a saved thread context, produced by Port.ContextInit, and
	// opaque to the kernel.
	Context any

	// Port is the CPU layer. All methods except SysStart are called only by
	// whichever goroutine currently owns the CPU.
	Port interface {
		// EnterCritical disables preemption and interrupt delivery. Nestable.
		EnterCritical()

		// LeaveCritical undoes one EnterCritical. Leaving the outermost
		// level delivers pending interrupts, then performs any switch
		// requested by ContextSwitch.
		LeaveCritical()

		// ContextInit prepares the context of a new thread. The entry
		// function runs when the context is first switched to, and exit
		// runs after entry returns, or after the thread goroutine begins
		// exiting. The exit function must switch away. It is not called
		// for a thread unwound because the port halted.
		ContextInit(entry, exit func()) Context

		// ContextSwitch requests a switch, performed as soon as the
		// critical section is left. The contexts involved are determined
		// at that point, by calling Scheduler.SwitchContext.
		ContextSwitch()

		// SysIdle is called within a critical section, when no thread is
		// ready, and blocks until an interrupt is pending. The timeout is
		// the number of ticks until the earliest deadline, or Forever.
		SysIdle(timeout uint32)

		// SysStart dispatches the first thread, and runs until ctx is done.
		SysStart(ctx context.Context, s Scheduler) error
	}

	// Scheduler is the kernel, as seen by a Port.
	Scheduler interface {
		// SwitchContext commits the pending switch. The from context is nil
		// if the outgoing thread has exited. It returns false if no switch
		// is required.
		SwitchContext() (from, to Context, ok bool)

		// TickSource is the tick interrupt entry, advancing kernel time by
		// elapsed ticks.
		TickSource(elapsed uint32)
	}
)

// Forever is the SysIdle timeout used when no deadline is pending.
const Forever = math.MaxUint32
