package klite

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/port"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testArenaSize = 64 << 10

// harness boots a kernel on a manually ticked Sim. Thread bodies record
// into plain variables, which may only be read by the test once the thread
// has signalled completion (or the kernel has stopped).
type harness struct {
	t      *testing.T
	k      *Kernel
	sim    *port.Sim
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	sim, err := port.NewSim()
	require.NoError(t, err)
	k, err := New(make([]byte, testArenaSize), sim, opts...)
	require.NoError(t, err)
	return &harness{t: t, k: k, sim: sim}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.k.Start(ctx) }()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.ErrorIs(h.t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for kernel to stop")
	}
}

// spawn creates a thread that closes the returned channel on exit.
func (h *harness) spawn(fn func(), opts ...ThreadOption) (*Thread, <-chan struct{}) {
	h.t.Helper()
	done := make(chan struct{})
	t, err := h.k.NewThread(func() {
		defer close(done)
		fn()
	}, opts...)
	require.NoError(h.t, err)
	return t, done
}

// wait blocks until done closes, without ticking.
func (h *harness) wait(done <-chan struct{}) {
	h.t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for thread")
	}
}

// tickUntil delivers ticks one at a time, until done closes.
func (h *harness) tickUntil(done <-chan struct{}) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			h.t.Fatal("timeout ticking until done")
		default:
		}
		if err := h.sim.Tick(1); err != nil {
			h.t.Fatalf("tick: %v", err)
		}
	}
}

// untilIdle raises interrupts until one is serviced while the idle thread
// is running.
func (h *harness) untilIdle() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var idle bool
		if err := h.sim.Raise(func() { idle = h.k.current == h.k.idle }); err != nil {
			h.t.Fatalf("raise: %v", err)
		}
		if idle {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("timeout waiting for the idle thread")
		}
		runtime.Gosched()
	}
}

// stepUntil delivers ticks one at a time, letting every thread settle
// after each, until done closes.
func (h *harness) stepUntil(done <-chan struct{}) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			h.t.Fatal("timeout stepping until done")
		default:
		}
		if err := h.sim.Tick(1); err != nil {
			h.t.Fatalf("tick: %v", err)
		}
		h.untilIdle()
	}
}

func newBufferLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func TestNew_validation(t *testing.T) {
	sim, err := port.NewSim()
	require.NoError(t, err)

	_, err = New(make([]byte, 1024), nil)
	assert.Error(t, err)

	_, err = New(make([]byte, 8), sim)
	assert.ErrorIs(t, err, heap.ErrArenaSize)

	_, err = New(make([]byte, 1024), sim, WithDefaultStackSize(0))
	assert.Error(t, err)

	_, err = New(make([]byte, 1024), sim, WithWaitOrder(WaitPriority+1))
	assert.Error(t, err)

	_, err = New(make([]byte, 256), sim)
	assert.ErrorIs(t, err, ErrNoMemory, "idle thread should not fit")

	k, err := New(make([]byte, 1024), sim, nil, WithIdleStackSize(64))
	require.NoError(t, err)
	assert.Equal(t, StateAwake, k.State())
	if threads := k.Threads(); assert.Len(t, threads, 1) {
		assert.Equal(t, `idle`, threads[0].Name())
		assert.Equal(t, uint32(1), threads[0].ID())
		assert.Equal(t, PriorityIdle, threads[0].Priority())
	}
}

func TestKernel_Start_lifecycle(t *testing.T) {
	h := newHarness(t)
	_, done := h.spawn(func() {})
	h.start()
	h.wait(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.ErrorIs(t, h.k.Start(ctx), ErrKernelStarted)
	assert.Equal(t, StateRunning, h.k.State())

	h.stop()
	assert.Equal(t, StateTerminated, h.k.State())
	assert.ErrorIs(t, h.k.Start(ctx), ErrKernelTerminated)
}

func TestKernel_Start_unwindsThreads(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)

	var started, deferred int
	blocked := make(chan struct{})
	for range 3 {
		_, err := h.k.NewThread(func() {
			defer func() { deferred++ }()
			started++
			if started == 3 {
				close(blocked)
			}
			sem.Wait()
			t.Error("thread should not have resumed")
		})
		require.NoError(t, err)
	}

	h.start()
	h.wait(blocked)
	h.stop()
	assert.Equal(t, 3, deferred)
}

func TestKernel_Start_haltLeavesRunningThreadAlive(t *testing.T) {
	var deleted int
	h := newHarness(t, WithHooks(Hooks{
		ThreadDelete: func(*Thread) { deleted++ },
	}))
	running := make(chan struct{})
	spinner, err := h.k.NewThread(func() {
		close(running)
		for {
			h.k.Yield()
		}
	}, WithName(`spinner`))
	require.NoError(t, err)

	h.start()
	h.wait(running)
	h.stop()

	threads := h.k.Threads()
	if assert.Len(t, threads, 2) {
		assert.Same(t, spinner, threads[1])
	}
	assert.Equal(t, ThreadRunning, spinner.State())
	assert.Same(t, spinner, h.k.Self())
	assert.Zero(t, h.k.dead.Len())
	assert.Zero(t, deleted)
}

func TestKernel_TickCount(t *testing.T) {
	h := newHarness(t)
	h.start()
	for range 5 {
		require.NoError(t, h.sim.Tick(1))
	}
	require.NoError(t, h.sim.Tick(10))
	assert.Equal(t, uint64(15), h.k.TickCount64())
	assert.Equal(t, uint32(15), h.k.TickCount())
	h.stop()
	assert.Equal(t, uint64(15), h.k.IdleTime())
}

func TestKernel_hooks(t *testing.T) {
	var (
		created, deleted []string
		ticks            Tick
		switches         int
	)
	h := newHarness(t, WithHooks(Hooks{
		ThreadCreate: func(t *Thread) { created = append(created, t.Name()) },
		ThreadDelete: func(t *Thread) { deleted = append(deleted, t.Name()) },
		ThreadSwitch: func(from, to *Thread) { switches++ },
		Tick:         func(elapsed Tick) { ticks += elapsed },
	}))
	_, done := h.spawn(func() {}, WithName(`worker`))
	h.start()
	h.wait(done)
	require.NoError(t, h.sim.Tick(3))
	h.stop()

	assert.Equal(t, []string{`idle`, `worker`}, created)
	assert.Equal(t, []string{`worker`}, deleted)
	assert.Equal(t, Tick(3), ticks)
	assert.GreaterOrEqual(t, switches, 2)
}

func TestKernel_Alloc_ownedBlocksFreedOnExit(t *testing.T) {
	h := newHarness(t)

	var (
		p, kept heap.Ptr
		owner   uint32
	)
	h.spawn(func() {
		p = h.k.Alloc(100)
		kept = h.k.Disown(h.k.Alloc(50))
		owner = h.k.Self().ID()
	}, WithPriority(5))

	live := func(ptr heap.Ptr) bool {
		for _, n := range h.k.HeapNodes() {
			if n.Ptr == ptr {
				return true
			}
		}
		return false
	}

	var freedBeforeIdle bool
	_, done := h.spawn(func() {
		if !assert.NotEqual(t, heap.Nil, p) || !assert.NotEqual(t, heap.Nil, kept) {
			return
		}
		freedBeforeIdle = !live(p)
		// reclamation happens on the idle thread, while this sleeps
		for live(p) {
			h.k.Sleep(1)
		}
		for _, n := range h.k.HeapNodes() {
			assert.NotEqual(t, owner, n.Owner, "block still tagged with dead thread")
			if n.Ptr == kept {
				assert.Equal(t, uint32(0), n.Owner)
			}
		}
		assert.Len(t, h.k.Bytes(kept), 52)
		h.k.Free(kept)
	}, WithPriority(4))

	h.start()
	h.tickUntil(done)
	assert.False(t, freedBeforeIdle)
}

func TestKernel_heapFault_default(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, WithLogger(newBufferLogger(&buf)), WithFaultRateLimits(map[time.Duration]int{time.Hour: 2}))

	var results []heap.Ptr
	_, done := h.spawn(func() {
		for range 5 {
			results = append(results, h.k.Alloc(testArenaSize))
		}
	})
	h.start()
	h.wait(done)
	h.stop()

	assert.Equal(t, []heap.Ptr{heap.Nil, heap.Nil, heap.Nil, heap.Nil, heap.Nil}, results)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte(`heap alloc failed`)), buf.String())
	assert.Contains(t, buf.String(), `kernel starting`)
	assert.Contains(t, buf.String(), `thread created`)
}

func TestKernel_heapFault_custom(t *testing.T) {
	var faults []int
	h := newHarness(t, WithHeapFaultHandler(func(size int) { faults = append(faults, size) }))
	_, err := h.k.NewThread(func() {}, WithStackSize(testArenaSize))
	var allocErr *AllocError
	require.True(t, errors.As(err, &allocErr))
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, `thread`, allocErr.Kind)
	assert.Equal(t, []int{tcbSize + testArenaSize}, faults)
}

func TestKernel_heapLock_handoff(t *testing.T) {
	h := newHarness(t)

	var log []string
	b, done := h.spawn(func() {
		log = append(log, `b alloc`)
		p := h.k.Alloc(32)
		assert.NotEqual(t, heap.Nil, p)
		log = append(log, `b allocated`)
		h.k.Free(p)
	}, WithPriority(2))
	h.spawn(func() {
		h.k.heapLock.Lock()
		log = append(log, `a locked`)
		for b.State() != ThreadBlocked {
			h.k.Sleep(1)
		}
		log = append(log, `a unlock`)
		h.k.heapLock.Unlock()
		// ownership passed straight to b, which has a lower priority
		assert.True(t, h.k.heapLock.locked)
		assert.True(t, h.k.heapLock.wait.Empty())
		assert.Equal(t, ThreadReady, b.State())
		log = append(log, `a done`)
	}, WithPriority(4))

	h.start()
	h.tickUntil(done)
	h.stop()

	assert.Equal(t, []string{`a locked`, `b alloc`, `a unlock`, `a done`, `b allocated`}, log)
	assert.False(t, h.k.heapLock.locked)
}

func TestKernel_heapLock_contention(t *testing.T) {
	h := newHarness(t)

	const workers = 4
	var (
		allocs int
		dones  []<-chan struct{}
	)
	for i := range workers {
		_, done := h.spawn(func() {
			for range 50 {
				p := h.k.Alloc(16 + i)
				if p == heap.Nil {
					t.Error("alloc failed")
					return
				}
				allocs++
				h.k.Yield()
				h.k.Free(p)
			}
		})
		dones = append(dones, done)
	}

	h.start()
	for _, done := range dones {
		h.tickUntil(done)
	}
	h.stop()

	assert.Equal(t, workers*50, allocs)
	assert.False(t, h.k.heapLock.locked)
	assert.True(t, h.k.heapLock.wait.Empty())
	used, free := h.k.HeapUsage()
	assert.Equal(t, testArenaSize, used+free)
}
