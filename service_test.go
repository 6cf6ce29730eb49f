package klite

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerService(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, WithLogger(newBufferLogger(&buf)))

	var (
		fires        [3]int
		snap1, snap2 [3]int
	)
	_, done := h.spawn(func() {
		before, _ := h.k.HeapUsage()
		svc, err := h.k.NewTimerService(WithPriority(5))
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, `timer`, svc.Thread().Name())

		var timers [3]*Timer
		for i, period := range []Tick{3, 5, 2} {
			timers[i], err = svc.NewTimer(func() {
				fires[i]++
				if i == 2 {
					// one shot
					timers[2].Stop()
				}
			})
			if !assert.NoError(t, err) {
				return
			}
			timers[i].Start(period)
		}
		_, err = svc.NewTimer(nil)
		assert.Error(t, err)

		h.k.Sleep(15)
		snap1 = fires
		assert.False(t, timers[2].Running())
		timers[0].Stop()
		h.k.Sleep(6)
		snap2 = fires

		timers[1].Delete()
		timers[1].Delete()
		assert.NoError(t, svc.Delete())
		after, _ := h.k.HeapUsage()
		assert.Equal(t, before, after)
	}, WithPriority(PriorityLowest))
	h.start()
	h.stepUntil(done)

	assert.Equal(t, [3]int{5, 3, 1}, snap1)
	assert.Equal(t, [3]int{5, 4, 1}, snap2)
	assert.Contains(t, buf.String(), `timer service started`)
}

func TestTimerService_restartFromHandler(t *testing.T) {
	h := newHarness(t)
	var (
		fired []uint64
		done  = make(chan struct{})
	)
	_, err := h.k.NewThread(func() {
		svc, err := h.k.NewTimerService()
		if !assert.NoError(t, err) {
			return
		}
		var tm *Timer
		tm, err = svc.NewTimer(func() {
			fired = append(fired, h.k.TickCount64())
			switch len(fired) {
			case 1:
				// back off
				tm.Start(4)
			case 3:
				tm.Delete()
				close(done)
			}
		})
		if assert.NoError(t, err) {
			tm.Start(1)
		}
	}, WithPriority(PriorityLowest))
	require.NoError(t, err)
	h.start()
	h.stepUntil(done)
	assert.Equal(t, []uint64{1, 5, 9}, fired)
}

func TestThreadPool(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, WithLogger(newBufferLogger(&buf)))

	var (
		log []string
		ran int
	)
	_, done := h.spawn(func() {
		before, _ := h.k.HeapUsage()
		pool, err := h.k.NewThreadPool(2, 3, WithPriority(3))
		if !assert.NoError(t, err) {
			return
		}
		workers := pool.Workers()
		if assert.Len(t, workers, 2) {
			assert.Equal(t, `pool.0`, workers[0].Name())
			assert.Equal(t, `pool.1`, workers[1].Name())
		}
		assert.True(t, pool.Join(0))

		for _, name := range []string{`a`, `b`, `c`} {
			ok, err := pool.Submit(func() {
				h.k.Sleep(2)
				log = append(log, name)
				ran++
			}, 0)
			assert.True(t, ok)
			assert.NoError(t, err)
		}
		// a and b are running, c is queued
		assert.Equal(t, 3, pool.Pending())
		for range 2 {
			ok, _ := pool.Submit(func() { ran++ }, 0)
			assert.True(t, ok)
		}
		ok, err := pool.Submit(func() { ran++ }, 0)
		assert.False(t, ok, "queue full")
		assert.NoError(t, err)
		_, err = pool.Submit(nil, 0)
		assert.Error(t, err)

		assert.False(t, pool.Join(1))
		assert.True(t, pool.Join(WaitForever))
		assert.Equal(t, 0, pool.Pending())
		assert.Equal(t, 5, ran)
		assert.Equal(t, []string{`a`, `b`, `c`}, log)

		assert.NoError(t, pool.Shutdown())
		for _, w := range workers {
			assert.Equal(t, ThreadDead, w.State())
		}
		after, _ := h.k.HeapUsage()
		assert.Equal(t, before, after)

		_, err = h.k.NewThreadPool(0, 1)
		assert.Error(t, err)
		_, err = h.k.NewThreadPool(1, 0)
		assert.Error(t, err)
	}, WithPriority(PriorityLowest))
	h.start()
	h.tickUntil(done)
	assert.Contains(t, buf.String(), `thread pool shut down`)
}
