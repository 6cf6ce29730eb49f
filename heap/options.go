package heap

import (
	"errors"
	"sync"
)

// heapOptions holds configuration options for Heap creation.
type heapOptions struct {
	locker sync.Locker
	fault  func(size int)
}

// Option configures a Heap instance.
type Option interface {
	applyHeap(*heapOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyHeapFunc func(*heapOptions) error
}

func (o *optionImpl) applyHeap(opts *heapOptions) error {
	return o.applyHeapFunc(opts)
}

// WithLocker sets the lock held by every public method. The default
// performs no locking.
func WithLocker(locker sync.Locker) Option {
	return &optionImpl{func(opts *heapOptions) error {
		if locker == nil {
			return errors.New(`heap: nil locker`)
		}
		opts.locker = locker
		return nil
	}}
}

// WithFaultHandler sets a function called, outside the lock, with the
// requested size whenever an allocation fails.
func WithFaultHandler(fn func(size int)) Option {
	return &optionImpl{func(opts *heapOptions) error {
		opts.fault = fn
		return nil
	}}
}

// resolveOptions applies Option instances to heapOptions.
func resolveOptions(opts []Option) (*heapOptions, error) {
	cfg := &heapOptions{
		locker: nopLocker{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHeap(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
