package klite

import (
	"math"
	"math/bits"

	"github.com/joeycumines/go-klite/internal/list"
	"github.com/joeycumines/go-klite/port"
)

// Tick is a duration or instant in kernel ticks.
type Tick uint32

// WaitForever is the timeout of a blocking call that never times out.
const WaitForever Tick = math.MaxUint32

const noDeadline = math.MaxUint64

// tcbReady makes t eligible to run. The sched node of t must be unlinked.
// Suspended threads are parked instead.
func (k *Kernel) tcbReady(t *Thread, front bool) {
	if t.suspended {
		t.state = ThreadSuspended
		return
	}
	t.state = ThreadReady
	q := &k.ready[t.prio]
	if front {
		q.PushFront(&t.sched)
	} else {
		q.PushBack(&t.sched)
	}
	k.prioBitmap |= 1 << t.prio
	if t.prio > k.prioHighest {
		k.prioHighest = t.prio
	}
}

// tcbUnlink removes t from its scheduling list and wait list, if any.
func (k *Kernel) tcbUnlink(t *Thread) {
	list.Unlink(&t.wait)
	switch l := t.sched.List(); l {
	case nil:
	case &k.sleep:
		l.Remove(&t.sched)
		if l.Empty() {
			k.idleElapse = 0
			k.idleTimeout = noDeadline
		}
	case &k.ready[t.prio]:
		l.Remove(&t.sched)
		if l.Empty() {
			k.prioBitmap &^= 1 << t.prio
			k.updateHighest()
		}
	default:
		l.Remove(&t.sched)
	}
}

func (k *Kernel) updateHighest() {
	if k.prioBitmap == 0 {
		k.prioHighest = 0
		return
	}
	k.prioHighest = Priority(bits.Len32(k.prioBitmap) - 1)
}

// tcbSleep arms the timeout of t, which must already be off the ready
// queues.
func (k *Kernel) tcbSleep(t *Thread, timeout Tick) {
	t.timeout = timeout
	if timeout == WaitForever {
		return
	}
	if k.sleep.Empty() {
		k.idleElapse = 0
	}
	t.wake = k.idleElapse + uint64(timeout)
	k.sleep.PushBack(&t.sched)
	if t.wake < k.idleTimeout {
		k.idleTimeout = t.wake
	}
}

// tcbWait blocks t on l, with a timeout.
func (k *Kernel) tcbWait(t *Thread, l *list.List[*Thread], timeout Tick) {
	t.state = ThreadBlocked
	k.waitInsert(t, l)
	k.tcbSleep(t, timeout)
}

// waitInsert links t into l, ordered per WithWaitOrder.
func (k *Kernel) waitInsert(t *Thread, l *list.List[*Thread]) {
	if k.waitOrder == WaitPriority {
		for n := l.Front(); n != nil; n = n.Next() {
			if n.Value.prio < t.prio {
				l.InsertBefore(&t.wait, n)
				return
			}
		}
	}
	l.PushBack(&t.wait)
}

// tcbWakeUp readies a blocked thread before its timeout expires, leaving
// the remaining time in t.timeout.
func (k *Kernel) tcbWakeUp(t *Thread) {
	list.Unlink(&t.wait)
	if t.sched.List() == &k.sleep {
		t.timeout = Tick(t.wake - k.idleElapse)
		k.sleep.Remove(&t.sched)
		if k.sleep.Empty() {
			k.idleElapse = 0
			k.idleTimeout = noDeadline
		}
	}
	k.tcbReady(t, false)
}

// wakeFrom wakes the head of l, returning nil if l is empty.
func (k *Kernel) wakeFrom(l *list.List[*Thread]) *Thread {
	n := l.Front()
	if n == nil {
		return nil
	}
	t := n.Value
	k.tcbWakeUp(t)
	return t
}

// wakeAll wakes every thread in l, reporting if there were any.
func (k *Kernel) wakeAll(l *list.List[*Thread]) (woke bool) {
	for k.wakeFrom(l) != nil {
		woke = true
	}
	return woke
}

// blockOn waits on l (which may be nil, for a plain sleep), then leaves the
// critical section, which the caller must have entered exactly once. It
// returns the time remaining, 0 if the timeout expired.
func (k *Kernel) blockOn(l *list.List[*Thread], timeout Tick) Tick {
	k.mayBlock()
	t := k.current
	if l != nil {
		k.tcbWait(t, l, timeout)
	} else {
		t.state = ThreadSleeping
		k.tcbSleep(t, timeout)
	}
	k.schedSwitch()
	k.leave()
	return t.timeout
}

// mayBlock panics if the scheduler is suspended, leaving the critical
// section first.
func (k *Kernel) mayBlock() {
	if k.schedLock != 0 {
		k.leave()
		panic(`klite: blocking call with the scheduler suspended`)
	}
}

// schedTiming charges elapsed ticks to the running thread, and expires any
// timeouts that are due.
func (k *Kernel) schedTiming(elapsed Tick) {
	if t := k.current; t != nil {
		t.time += uint64(elapsed)
	}
	if k.sleep.Empty() {
		return
	}
	k.idleElapse += uint64(elapsed)
	if k.idleElapse < k.idleTimeout {
		return
	}

	elapse := k.idleElapse
	next := uint64(noDeadline)
	for t := range k.sleep.All() {
		if t.wake <= elapse {
			k.sleep.Remove(&t.sched)
			list.Unlink(&t.wait)
			t.timeout = 0
			k.tcbReady(t, false)
			continue
		}
		t.wake -= elapse
		if t.wake < next {
			next = t.wake
		}
	}
	k.idleElapse = 0
	k.idleTimeout = next
}

// nextTimeout returns the ticks until the earliest deadline.
func (k *Kernel) nextTimeout() uint32 {
	if k.sleep.Empty() {
		return port.Forever
	}
	if k.idleTimeout <= k.idleElapse {
		return 0
	}
	if d := k.idleTimeout - k.idleElapse; d < port.Forever {
		return uint32(d)
	}
	return port.Forever - 1
}

// schedSwitch selects the highest priority ready thread as the next to run,
// and requests a context switch, which happens on leaving the critical
// section. The running thread must already have been queued or parked.
func (k *Kernel) schedSwitch() {
	if n := k.next; n != nil && n != k.current && n.state == ThreadReady && !n.sched.Linked() {
		// overtaken before the pending switch happened
		k.tcbReady(n, true)
	}
	if k.prioBitmap == 0 {
		return
	}
	prio := k.prioHighest
	q := &k.ready[prio]
	t := q.PopFront().Value
	if q.Empty() {
		k.prioBitmap &^= 1 << prio
		k.updateHighest()
	}
	k.next = t
	if t == k.current {
		t.state = ThreadRunning
		return
	}
	k.port.ContextSwitch()
}

// pending reports whether t was selected by a switch that has not happened
// yet. Such a thread is ready, but on no scheduling list.
func (k *Kernel) pending(t *Thread) bool {
	return t == k.next && t != k.current
}

// schedPreempt switches away from the running thread if a ready thread has
// a higher priority, or an equal one, with roundRobin set.
func (k *Kernel) schedPreempt(roundRobin bool) {
	cur := k.current
	if k.prioBitmap == 0 || cur == nil {
		return
	}
	if k.schedLock != 0 {
		k.schedPending = true
		k.schedPendingRR = k.schedPendingRR || roundRobin
		return
	}
	if n := k.next; n != nil && n != cur {
		if k.prioHighest > n.prio {
			k.schedSwitch()
		}
		return
	}
	if cur.state != ThreadRunning {
		return
	}
	highest := k.prioHighest
	if roundRobin {
		highest++
	}
	if highest > cur.prio {
		k.tcbReady(cur, !roundRobin)
		k.schedSwitch()
	}
}

// SchedSuspend stops the calling thread from being preempted, until a
// matching SchedResume. Calls nest. Threads readied meanwhile (including by
// interrupts) wait, and time slicing is deferred. The caller must not block,
// or suspend itself, until the scheduler is resumed, which panics. Exiting
// resumes the scheduler.
func (k *Kernel) SchedSuspend() {
	k.enter()
	if k.schedLock == 0 {
		k.schedPending = false
		k.schedPendingRR = false
	}
	k.schedLock++
	k.leave()
}

// SchedResume undoes one SchedSuspend, performing any preemption deferred
// by the outermost.
func (k *Kernel) SchedResume() {
	k.enter()
	defer k.leave()
	if k.schedLock == 0 {
		return
	}
	k.schedLock--
	if k.schedLock == 0 && k.schedPending {
		rr := k.schedPendingRR
		k.schedPending = false
		k.schedPendingRR = false
		k.schedPreempt(rr)
	}
}

// SchedSuspended reports whether preemption is suspended.
func (k *Kernel) SchedSuspended() bool {
	k.enter()
	defer k.leave()
	return k.schedLock != 0
}

// switchContext commits the pending switch, called by the port.
func (k *Kernel) switchContext() (from, to port.Context, ok bool) {
	prev, t := k.current, k.next
	if t == nil || t == prev {
		return nil, nil, false
	}
	k.current = t
	t.state = ThreadRunning
	k.hooks.threadSwitch(prev, t)
	if prev != nil && prev.state != ThreadDead {
		from = prev.ctx
	}
	return from, t.ctx, true
}

// tickSource is the tick interrupt.
func (k *Kernel) tickSource(elapsed Tick) {
	k.tickCount.Add(uint64(elapsed))
	k.enter()
	k.hooks.tick(elapsed)
	k.schedTiming(elapsed)
	k.schedPreempt(true)
	k.leave()
}
