package port

import (
	"errors"
	"time"
)

// simOptions holds configuration options for Sim creation.
type simOptions struct {
	tickPeriod time.Duration
	queueSize  int
}

// Option configures a Sim instance.
type Option interface {
	applySim(*simOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySimFunc func(*simOptions) error
}

func (o *optionImpl) applySim(opts *simOptions) error {
	return o.applySimFunc(opts)
}

// WithTickPeriod sets the wall-clock period of the tick interrupt. Zero
// (the default) disables the tick source, leaving ticks to Sim.Tick.
func WithTickPeriod(d time.Duration) Option {
	return &optionImpl{func(opts *simOptions) error {
		if d < 0 {
			return errors.New(`port: negative tick period`)
		}
		opts.tickPeriod = d
		return nil
	}}
}

// WithInterruptQueue sets how many interrupts may be pending before the tick
// source (and callers of Tick and Raise) block. Defaults to 64.
func WithInterruptQueue(size int) Option {
	return &optionImpl{func(opts *simOptions) error {
		if size < 0 {
			return errors.New(`port: negative interrupt queue size`)
		}
		opts.queueSize = size
		return nil
	}}
}

// resolveOptions applies Option instances to simOptions.
func resolveOptions(opts []Option) (*simOptions, error) {
	cfg := &simOptions{
		queueSize: 64,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySim(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
