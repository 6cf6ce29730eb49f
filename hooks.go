package klite

// Hooks are optional functions called by the kernel, always on the CPU, and
// (except Idle) from within a critical section. They must not block, or call
// back into the kernel.
type Hooks struct {
	// Idle is called by the idle thread on each cycle.
	Idle func()
	// Tick is called on each tick interrupt, prior to ageing timeouts.
	Tick func(elapsed Tick)
	// ThreadCreate is called once a thread is ready to run.
	ThreadCreate func(t *Thread)
	// ThreadDelete is called when a thread exits, or is deleted.
	ThreadDelete func(t *Thread)
	// ThreadSwitch is called as the CPU changes hands. The from thread is
	// nil for the first switch.
	ThreadSwitch func(from, to *Thread)
	// ThreadSleep is called as a thread begins to sleep.
	ThreadSleep   func(t *Thread, timeout Tick)
	ThreadSuspend func(t *Thread)
	ThreadResume  func(t *Thread)
}

func (x *Hooks) idle() {
	if x.Idle != nil {
		x.Idle()
	}
}

func (x *Hooks) tick(elapsed Tick) {
	if x.Tick != nil {
		x.Tick(elapsed)
	}
}

func (x *Hooks) threadCreate(t *Thread) {
	if x.ThreadCreate != nil {
		x.ThreadCreate(t)
	}
}

func (x *Hooks) threadDelete(t *Thread) {
	if x.ThreadDelete != nil {
		x.ThreadDelete(t)
	}
}

func (x *Hooks) threadSwitch(from, to *Thread) {
	if x.ThreadSwitch != nil {
		x.ThreadSwitch(from, to)
	}
}

func (x *Hooks) threadSleep(t *Thread, timeout Tick) {
	if x.ThreadSleep != nil {
		x.ThreadSleep(t, timeout)
	}
}

func (x *Hooks) threadSuspend(t *Thread) {
	if x.ThreadSuspend != nil {
		x.ThreadSuspend(t)
	}
}

func (x *Hooks) threadResume(t *Thread) {
	if x.ThreadResume != nil {
		x.ThreadResume(t)
	}
}
