// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package klite implements a small priority-based real-time kernel: a
// preemptive scheduler with eight priority levels and round-robin time
// slicing, semaphores, events, recursive mutexes, condition variables, and a
// handful of derived IPC objects, all allocated from a single arena managed
// by package heap.
//
// # Threads
//
// Exactly one thread runs at a time. Threads of a higher priority always run
// in preference to lower priorities, and threads of equal priority share the
// CPU in FIFO order, rotating on each tick, or whenever one yields. Priority
// 0 is reserved for the idle thread, which runs only when nothing else is
// ready, and frees the memory of exited threads. A thread cannot free its own
// stack, so exiting only hands the thread to the idle thread.
//
// # Blocking
//
// Every blocking call has a timed variant, taking a number of ticks, and
// returning the number of ticks remaining, or 0 if it timed out. A timeout of
// 0 polls, and [WaitForever] never times out. Blocked threads are woken in
// the order they blocked, regardless of priority, unless the kernel was
// configured with [WithWaitOrder]. Mutexes are handed over directly to the
// first waiter. There is no priority inheritance.
//
// # Ports
//
// The kernel runs on a [port.Port]. The [port.Sim] implementation backs
// each thread with a goroutine, and must be used as follows:
//
//   - All kernel APIs, other than construction prior to [Kernel.Start], are
//     to be called only from kernel threads, or from interrupt handlers
//     scheduled using [port.Sim.Raise].
//   - Interrupt handlers must not block, and must not allocate.
//   - After [Kernel.Start] returns, kernel state may be inspected by the
//     goroutine that called it.
package klite
