// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package klite

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultStackSize is the stack size of threads created without
	// WithStackSize.
	DefaultStackSize = 1024

	// DefaultIdleStackSize is the stack size of the idle thread.
	DefaultIdleStackSize = 256
)

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	logger        *logiface.Logger[logiface.Event]
	hooks         Hooks
	heapFault     func(size int)
	faultRates    map[time.Duration]int
	stackSize     int
	idleStackSize int
	waitOrder     WaitOrder
}

// --- Kernel Options ---

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *optionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithLogger sets the logger used for kernel diagnostics. A nil logger (the
// default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithHooks sets functions to be called on kernel events. See Hooks.
func WithHooks(hooks Hooks) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.hooks = hooks
		return nil
	}}
}

// WithHeapFaultHandler replaces the default heap fault handler, which logs
// the failed allocation at error level, subject to WithFaultRateLimits.
// The handler is called by the thread whose allocation failed.
func WithHeapFaultHandler(fn func(size int)) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.heapFault = fn
		return nil
	}}
}

// WithFaultRateLimits sets the rates (per window) at which the default heap
// fault handler may log, as per catrate.NewLimiter, which panics if the
// rates are invalid. Defaults to 5 per second, and 60 per minute. An empty
// map removes the limit.
func WithFaultRateLimits(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.faultRates = rates
		return nil
	}}
}

// WithDefaultStackSize sets the stack size used for threads created without
// WithStackSize.
func WithDefaultStackSize(size int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if size <= 0 {
			return errors.New(`klite: stack size must be positive`)
		}
		opts.stackSize = size
		return nil
	}}
}

// WithIdleStackSize sets the stack size of the idle thread.
func WithIdleStackSize(size int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if size <= 0 {
			return errors.New(`klite: stack size must be positive`)
		}
		opts.idleStackSize = size
		return nil
	}}
}

// WaitOrder determines the order in which blocked threads are woken.
type WaitOrder uint8

const (
	// WaitFIFO wakes threads in the order they blocked.
	WaitFIFO WaitOrder = iota
	// WaitPriority wakes the highest priority thread first, and threads of
	// equal priority in the order they blocked.
	WaitPriority
)

// WithWaitOrder sets the order of every wait list, i.e. which thread a Sem,
// Mutex, or other object wakes first. Defaults to WaitFIFO.
func WithWaitOrder(order WaitOrder) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if order > WaitPriority {
			return errors.New(`klite: invalid wait order`)
		}
		opts.waitOrder = order
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		faultRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
		stackSize:     DefaultStackSize,
		idleStackSize: DefaultIdleStackSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Thread Options ---

// threadOptions holds configuration options for Thread creation.
type threadOptions struct {
	name      string
	stackSize int
	priority  Priority
}

// ThreadOption configures a Thread instance.
type ThreadOption interface {
	applyThread(*threadOptions) error
}

// threadOptionImpl implements ThreadOption.
type threadOptionImpl struct {
	applyThreadFunc func(*threadOptions) error
}

func (o *threadOptionImpl) applyThread(opts *threadOptions) error {
	return o.applyThreadFunc(opts)
}

// WithName sets a descriptive name, used in logs and reports.
func WithName(name string) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.name = name
		return nil
	}}
}

// WithPriority sets the initial priority. Zero selects PriorityNormal, and
// values above PriorityHighest are clamped.
func WithPriority(priority Priority) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.priority = clampPriority(priority)
		return nil
	}}
}

// WithStackSize sets the size of the stack buffer allocated with the thread.
func WithStackSize(size int) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		if size <= 0 {
			return errors.New(`klite: stack size must be positive`)
		}
		opts.stackSize = size
		return nil
	}}
}

func resolveThreadOptions(stackSize int, opts []ThreadOption) (*threadOptions, error) {
	cfg := &threadOptions{
		stackSize: stackSize,
		priority:  PriorityNormal,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyThread(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
