package klite

import (
	"testing"

	"github.com/joeycumines/go-klite/heap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_preemptOnCreate(t *testing.T) {
	h := newHarness(t)
	var log []string
	_, done := h.spawn(func() {
		log = append(log, `low start`)
		_, err := h.k.NewThread(func() { log = append(log, `high`) }, WithPriority(6))
		assert.NoError(t, err)
		log = append(log, `low end`)
	}, WithPriority(2))
	h.start()
	h.wait(done)
	assert.Equal(t, []string{`low start`, `high`, `low end`}, log)
}

func TestScheduler_noPreemptByLower(t *testing.T) {
	h := newHarness(t)
	var log []string
	lowDone := make(chan struct{})
	h.spawn(func() {
		log = append(log, `high start`)
		_, err := h.k.NewThread(func() {
			log = append(log, `low`)
			close(lowDone)
		}, WithPriority(2))
		assert.NoError(t, err)
		log = append(log, `high end`)
	}, WithPriority(6))
	h.start()
	h.wait(lowDone)
	assert.Equal(t, []string{`high start`, `high end`, `low`}, log)
}

func TestScheduler_startDispatchesHighest(t *testing.T) {
	h := newHarness(t)
	var log []string
	var dones []<-chan struct{}
	for _, p := range []Priority{2, 7, 4, 7} {
		_, done := h.spawn(func() { log = append(log, string(rune('0'+p))) }, WithPriority(p))
		dones = append(dones, done)
	}
	h.start()
	for _, done := range dones {
		h.wait(done)
	}
	assert.Equal(t, []string{`7`, `7`, `4`, `2`}, log)
}

func TestScheduler_yieldAlternates(t *testing.T) {
	h := newHarness(t)
	var log []string
	var dones []<-chan struct{}
	for _, name := range []string{`a`, `b`} {
		_, done := h.spawn(func() {
			for i := range 3 {
				log = append(log, name+string(rune('0'+i)))
				h.k.Yield()
			}
		})
		dones = append(dones, done)
	}
	h.start()
	for _, done := range dones {
		h.wait(done)
	}
	assert.Equal(t, []string{`a0`, `b0`, `a1`, `b1`, `a2`, `b2`}, log)
}

func TestScheduler_yieldWithoutPeers(t *testing.T) {
	h := newHarness(t)
	var n int
	_, done := h.spawn(func() {
		for range 10 {
			h.k.Yield()
			h.k.Sleep(0)
			n++
		}
		assert.Equal(t, ThreadRunning, h.k.Self().State())
	})
	h.start()
	h.wait(done)
	assert.Equal(t, 10, n)
}

func TestScheduler_tickRoundRobin(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)

	var log []string
	var dones []<-chan struct{}
	for _, name := range []string{`a`, `b`} {
		_, done := h.spawn(func() {
			for range 3 {
				log = append(log, name)
				// spin until the next tick, entering the kernel so it can be
				// serviced
				for t0 := h.k.TickCount64(); h.k.TickCount64() == t0; {
					sem.Value()
				}
			}
		})
		dones = append(dones, done)
	}
	h.start()
	for _, done := range dones {
		h.tickUntil(done)
	}
	assert.Equal(t, []string{`a`, `b`, `a`, `b`, `a`, `b`}, log)
}

func TestScheduler_tickDoesNotPreemptHigher(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)

	var log []string
	_, lowDone := h.spawn(func() { log = append(log, `low`) }, WithPriority(3))
	_, done := h.spawn(func() {
		for range 3 {
			for t0 := h.k.TickCount64(); h.k.TickCount64() == t0; {
				sem.Value()
			}
			log = append(log, `high`)
		}
	}, WithPriority(5))
	h.start()
	h.tickUntil(done)
	h.wait(lowDone)
	assert.Equal(t, []string{`high`, `high`, `high`, `low`}, log)
}

func TestScheduler_sleep(t *testing.T) {
	h := newHarness(t)
	var (
		log     []string
		elapsed []uint64
		states  []ThreadState
	)
	short, _ := h.spawn(func() {
		t0 := h.k.TickCount64()
		h.k.Sleep(3)
		elapsed = append(elapsed, h.k.TickCount64()-t0)
		log = append(log, `short`)
	})
	_, done := h.spawn(func() {
		states = append(states, short.State())
		t0 := h.k.TickCount64()
		h.k.Sleep(7)
		elapsed = append(elapsed, h.k.TickCount64()-t0)
		log = append(log, `long`)
	})
	h.start()
	h.tickUntil(done)

	assert.Equal(t, []string{`short`, `long`}, log)
	assert.Equal(t, []ThreadState{ThreadSleeping}, states)
	require.Len(t, elapsed, 2)
	assert.GreaterOrEqual(t, elapsed[0], uint64(3))
	assert.LessOrEqual(t, elapsed[0], uint64(4))
	assert.GreaterOrEqual(t, elapsed[1], uint64(7))
	assert.LessOrEqual(t, elapsed[1], uint64(8))
}

func TestScheduler_sleepLazyAgeing(t *testing.T) {
	h := newHarness(t)
	var order []int
	var dones []<-chan struct{}
	// deadlines inserted out of order, some equal
	for i, d := range []Tick{5, 2, 9, 2, 1} {
		_, done := h.spawn(func() {
			h.k.Sleep(d)
			order = append(order, i)
		})
		dones = append(dones, done)
	}
	// runs once every sleeper is registered
	_, asleep := h.spawn(func() {}, WithPriority(PriorityLowest))
	h.start()
	h.wait(asleep)
	for _, done := range dones {
		h.tickUntil(done)
	}
	h.stop()
	assert.Equal(t, []int{4, 1, 3, 0, 2}, order)
	assert.Equal(t, uint64(noDeadline), h.k.idleTimeout)
	assert.True(t, h.k.sleep.Empty())
}

func TestScheduler_exitReclaimedByIdle(t *testing.T) {
	h := newHarness(t)

	usedBefore, _ := h.k.HeapUsage()

	var (
		ran        int
		stateSeen  ThreadState
		foundAlive bool
		liveBefore bool
		usedAfter  int
	)
	worker, _ := h.spawn(func() {
		ran++
		h.k.Exit()
		t.Error("exit returned")
	}, WithPriority(6))

	live := func() bool {
		for _, n := range h.k.HeapNodes() {
			if n.Ptr == worker.mem {
				return true
			}
		}
		return false
	}

	_, done := h.spawn(func() {
		stateSeen = worker.State()
		foundAlive = h.k.FindThread(worker.ID()) != nil
		liveBefore = live()
		for live() {
			h.k.Sleep(1)
		}
		usedAfter, _ = h.k.HeapUsage()
	}, WithPriority(5))

	h.start()
	h.tickUntil(done)
	h.stop()

	assert.Equal(t, 1, ran)
	assert.Equal(t, ThreadDead, stateSeen)
	assert.False(t, foundAlive)
	assert.True(t, liveBefore, "block freed before idle ran")
	// only the checker's block remains
	assert.Equal(t, usedBefore+tcbSize+DefaultStackSize+heap.HeaderSize, usedAfter)
}

func TestThread_Delete(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)

	var (
		victimRan  int
		joinResult Tick
		log        []string
	)
	victim, _ := h.spawn(func() {
		victimRan++
		h.k.Alloc(64)
		sem.Wait()
		t.Error("deleted thread resumed")
	}, WithPriority(5))
	h.spawn(func() {
		joinResult = victim.Join(WaitForever)
		log = append(log, `joined`)
	}, WithPriority(5))

	_, done := h.spawn(func() {
		assert.ErrorIs(t, h.k.idle.Delete(), ErrInvalidThread)
		used, _ := h.k.HeapUsage()
		assert.NoError(t, victim.Delete())
		log = append(log, `deleted`)
		after, _ := h.k.HeapUsage()
		// the tcb and stack, and the block it allocated
		assert.Equal(t, used-(tcbSize+DefaultStackSize+heap.HeaderSize)-(64+heap.HeaderSize), after)
		assert.ErrorIs(t, victim.Delete(), ErrInvalidThread)
		assert.Nil(t, h.k.FindThread(victim.ID()))
		assert.True(t, sem.wait.Empty())
		sem.Post()
		assert.Equal(t, uint32(1), sem.Value())
	}, WithPriority(3))

	h.start()
	h.wait(done)
	h.stop()

	assert.Equal(t, 1, victimRan)
	assert.Equal(t, []string{`joined`, `deleted`}, log)
	assert.Equal(t, WaitForever, joinResult)
}

func TestThread_DeleteSelf(t *testing.T) {
	h := newHarness(t)
	var after bool
	var self *Thread
	_, done := h.spawn(func() {
		self = h.k.Self()
		_ = self.Delete()
		after = true
	})
	h.start()
	h.wait(done)
	h.stop()
	assert.False(t, after)
	assert.Equal(t, ThreadDead, self.State())
}

func TestThread_Join(t *testing.T) {
	h := newHarness(t)
	var results []Tick
	worker, _ := h.spawn(func() { h.k.Sleep(5) })
	_, done := h.spawn(func() {
		results = append(results, worker.Join(0))
		results = append(results, worker.Join(2))
		results = append(results, worker.Join(10))
		results = append(results, worker.Join(0))
		results = append(results, h.k.Self().Join(10))
	})
	h.start()
	h.tickUntil(done)

	require.Len(t, results, 5)
	assert.Equal(t, Tick(0), results[0])
	assert.Equal(t, Tick(0), results[1])
	// woken with time to spare
	assert.Greater(t, results[2], Tick(0))
	assert.Less(t, results[2], Tick(10))
	assert.Equal(t, Tick(1), results[3])
	assert.Equal(t, Tick(0), results[4])
}

func TestThread_SuspendResume(t *testing.T) {
	h := newHarness(t)
	var log []string
	worker, _ := h.spawn(func() {
		log = append(log, `w1`)
		assert.NoError(t, h.k.Self().Suspend())
		log = append(log, `w2`)
		h.k.Sleep(2)
		log = append(log, `w3`)
	}, WithPriority(5))
	_, done := h.spawn(func() {
		log = append(log, `c1`)
		assert.Equal(t, ThreadSuspended, worker.State())
		assert.NoError(t, worker.Resume())
		// worker ran, and is now sleeping
		log = append(log, `c2`)
		assert.Equal(t, ThreadSleeping, worker.State())
		assert.NoError(t, worker.Suspend())
		assert.NoError(t, worker.Suspend())
		for worker.State() == ThreadSleeping {
			h.k.Sleep(1)
		}
		assert.Equal(t, ThreadSuspended, worker.State())
		log = append(log, `c3`)
		assert.NoError(t, worker.Resume())
		log = append(log, `c4`)
		assert.ErrorIs(t, worker.Resume(), ErrInvalidThread)
		assert.ErrorIs(t, h.k.idle.Suspend(), ErrInvalidThread)
	}, WithPriority(3))
	h.start()
	h.tickUntil(done)

	assert.Equal(t, []string{`w1`, `c1`, `w2`, `c2`, `c3`, `w3`, `c4`}, log)
}

func TestThread_SetPriority(t *testing.T) {
	h := newHarness(t)
	var log []string
	var low *Thread
	low, _ = h.spawn(func() { log = append(log, `low`) }, WithPriority(2))
	_, done := h.spawn(func() {
		log = append(log, `start`)
		assert.NoError(t, low.SetPriority(6))
		log = append(log, `raised`)
		assert.Equal(t, PriorityHighest, clampPriority(200))
		assert.NoError(t, h.k.Self().SetPriority(0))
		assert.Equal(t, PriorityNormal, h.k.Self().Priority())
		assert.ErrorIs(t, h.k.idle.SetPriority(3), ErrInvalidThread)
		assert.ErrorIs(t, low.SetPriority(3), ErrInvalidThread)
	}, WithPriority(5))
	h.start()
	h.wait(done)
	assert.Equal(t, []string{`start`, `low`, `raised`}, log)
}

func TestKernel_Threads(t *testing.T) {
	h := newHarness(t)
	a, _ := h.spawn(func() {}, WithName(`a`))
	b, _ := h.spawn(func() {}, WithName(`b`))
	threads := h.k.Threads()
	require.Len(t, threads, 3)
	assert.Same(t, h.k.idle, threads[0])
	assert.Same(t, a, threads[1])
	assert.Same(t, b, threads[2])
	assert.Same(t, b, h.k.FindThread(b.ID()))
	assert.Nil(t, h.k.FindThread(99))
	assert.Nil(t, h.k.Self())
	assert.Equal(t, DefaultStackSize, a.StackSize())
	assert.Equal(t, `Ready`, a.State().String())
}

// pendingSwitch readies a blocked thread from an interrupt, then calls fn
// while the switch to it is still pending. Everything runs in interrupt
// context on the CPU.
func pendingSwitch(t *testing.T, h *harness, sem *Sem, a *Thread, fn func()) {
	t.Helper()
	h.untilIdle()
	require.NoError(t, h.sim.Raise(func() {
		sem.Post()
		assert.Same(t, a, h.k.next)
		assert.NotSame(t, a, h.k.current)
		fn()
	}))
}

func TestThread_Suspend_pendingSwitch(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)
	var ran bool
	a, done := h.spawn(func() {
		sem.Wait()
		ran = true
	}, WithPriority(5))
	h.start()

	pendingSwitch(t, h, sem, a, func() { assert.NoError(t, a.Suspend()) })
	h.untilIdle()
	var (
		state  ThreadState
		ranYet bool
	)
	require.NoError(t, h.sim.Raise(func() { state, ranYet = a.State(), ran }))
	assert.Equal(t, ThreadSuspended, state)
	assert.False(t, ranYet)

	require.NoError(t, h.sim.Raise(func() { assert.NoError(t, a.Resume()) }))
	h.wait(done)
	assert.True(t, ran)
}

func TestThread_SetPriority_pendingSwitch(t *testing.T) {
	h := newHarness(t)
	semA, err := h.k.NewSem(0)
	require.NoError(t, err)
	semC, err := h.k.NewSem(0)
	require.NoError(t, err)
	var log []string
	a, doneA := h.spawn(func() {
		semA.Wait()
		log = append(log, `a`)
	}, WithPriority(5))
	_, doneC := h.spawn(func() {
		semC.Wait()
		log = append(log, `c`)
	}, WithPriority(3))
	h.start()

	pendingSwitch(t, h, semA, a, func() {
		semC.Post()
		assert.NoError(t, a.SetPriority(2))
		assert.Equal(t, Priority(2), a.Priority())
	})
	h.wait(doneA)
	h.wait(doneC)
	assert.Equal(t, []string{`c`, `a`}, log)
}

func TestThread_Delete_pendingSwitch(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)
	var ran bool
	a, _ := h.spawn(func() {
		sem.Wait()
		ran = true
	}, WithPriority(5))
	h.start()

	pendingSwitch(t, h, sem, a, func() { assert.NoError(t, a.Delete()) })
	h.untilIdle()
	var (
		state  ThreadState
		ranYet bool
		found  *Thread
	)
	require.NoError(t, h.sim.Raise(func() {
		state, ranYet, found = a.State(), ran, h.k.FindThread(a.ID())
	}))
	assert.Equal(t, ThreadDead, state)
	assert.False(t, ranYet)
	assert.Nil(t, found)
}

func TestKernel_SchedSuspend(t *testing.T) {
	h := newHarness(t)
	sem, err := h.k.NewSem(0)
	require.NoError(t, err)

	var log []string
	_, waiterDone := h.spawn(func() {
		sem.Wait()
		log = append(log, `waiter`)
	}, WithPriority(5))
	_, done := h.spawn(func() {
		h.k.SchedSuspend()
		assert.True(t, h.k.SchedSuspended())
		_, err := h.k.NewThread(func() { log = append(log, `high`) }, WithPriority(6))
		assert.NoError(t, err)
		sem.Post()
		h.k.Yield()
		h.k.SchedSuspend()
		h.k.SchedResume()
		log = append(log, `locked`)

		const msg = `klite: blocking call with the scheduler suspended`
		assert.PanicsWithValue(t, msg, func() { h.k.Sleep(1) })
		assert.PanicsWithValue(t, msg, func() { sem.Wait() })
		assert.PanicsWithValue(t, msg, func() { _ = h.k.Self().Suspend() })
		assert.Equal(t, ThreadRunning, h.k.Self().State())

		h.k.SchedResume()
		log = append(log, `resumed`)
		h.k.SchedResume()
		assert.False(t, h.k.SchedSuspended())
	}, WithPriority(2))
	h.start()
	h.wait(done)
	h.wait(waiterDone)
	assert.Equal(t, []string{`locked`, `high`, `waiter`, `resumed`}, log)
}

func TestKernel_SchedSuspend_deferredTimeSlice(t *testing.T) {
	h := newHarness(t)
	var log []string
	_, done := h.spawn(func() {
		h.k.SchedSuspend()
		_, err := h.k.NewThread(func() { log = append(log, `peer`) })
		assert.NoError(t, err)
		for t0 := h.k.TickCount64(); h.k.TickCount64() < t0+2; {
			h.k.Yield()
		}
		log = append(log, `sliced`)
		h.k.SchedResume()
		log = append(log, `resumed`)
	})
	h.start()
	h.tickUntil(done)
	assert.Equal(t, []string{`sliced`, `peer`, `resumed`}, log)
}

func TestKernel_SchedSuspend_exitResumes(t *testing.T) {
	h := newHarness(t)
	var (
		log       []string
		suspended bool
	)
	_, highDone := h.spawn(func() {
		_, err := h.k.NewThread(func() {
			suspended = h.k.SchedSuspended()
			log = append(log, `high`)
		}, WithPriority(6))
		assert.NoError(t, err)
	}, WithPriority(3))
	_, done := h.spawn(func() {
		h.k.SchedSuspend()
		log = append(log, `exiting`)
	}, WithPriority(5))
	h.start()
	h.wait(done)
	h.wait(highDone)
	assert.Equal(t, []string{`exiting`, `high`}, log)
	assert.False(t, suspended)
}
