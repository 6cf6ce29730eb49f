package klite

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ThreadPool runs submitted tasks on a fixed set of worker threads, queued
// through a MsgQueue, which bounds the number of tasks waiting to start.
type ThreadPool struct {
	k       *Kernel
	queue   *MsgQueue
	workers []*Thread
	// queued tasks, by the id sent through the queue
	tasks  map[uint32]func()
	lastID uint32
}

// NewThreadPool creates workers threads, which share a queue of up to
// maxTasks tasks. The options apply to every worker, which are named
// `pool.N` unless opts includes WithName.
func (k *Kernel) NewThreadPool(workers, maxTasks int, opts ...ThreadOption) (*ThreadPool, error) {
	if workers <= 0 {
		return nil, errors.New(`klite: thread pool: worker count must be positive`)
	}
	queue, err := k.NewMsgQueue(4, maxTasks)
	if err != nil {
		return nil, err
	}
	x := &ThreadPool{
		k:     k,
		queue: queue,
		tasks: make(map[uint32]func()),
	}
	for i := range workers {
		t, err := k.NewThread(x.work, append([]ThreadOption{WithName(fmt.Sprintf(`pool.%d`, i))}, opts...)...)
		if err != nil {
			x.shutdown()
			return nil, err
		}
		x.workers = append(x.workers, t)
	}
	k.logger.Debug().
		Int(`workers`, workers).
		Int(`max_tasks`, maxTasks).
		Log(`thread pool created`)
	return x, nil
}

// Submit queues task, blocking up to timeout ticks while the queue is full.
// It returns false if the timeout expired.
func (x *ThreadPool) Submit(task func(), timeout Tick) (bool, error) {
	if task == nil {
		return false, errors.New(`klite: thread pool: nil task`)
	}
	k := x.k
	k.enter()
	x.lastID++
	id := x.lastID
	x.tasks[id] = task
	k.leave()

	var msg [4]byte
	binary.LittleEndian.PutUint32(msg[:], id)
	ok, err := x.queue.Send(msg[:], timeout)
	if !ok {
		k.enter()
		delete(x.tasks, id)
		k.leave()
	}
	return ok, err
}

// Pending returns the number of tasks queued or running.
func (x *ThreadPool) Pending() int {
	return x.queue.Pending()
}

// Join waits until every task submitted has finished, returning false if
// the timeout expired first.
func (x *ThreadPool) Join(timeout Tick) bool {
	return x.queue.Join(timeout)
}

// Workers returns the worker threads.
func (x *ThreadPool) Workers() []*Thread {
	return append([]*Thread(nil), x.workers...)
}

// Shutdown deletes every worker, abandoning any running and queued tasks,
// and frees the queue. It must not be called by a worker.
func (x *ThreadPool) Shutdown() error {
	self := x.k.Self()
	for _, t := range x.workers {
		if t == self {
			return errors.New(`klite: thread pool: shutdown by a worker`)
		}
	}
	x.shutdown()
	x.k.logger.Debug().
		Int(`workers`, len(x.workers)).
		Log(`thread pool shut down`)
	return nil
}

func (x *ThreadPool) shutdown() {
	for _, t := range x.workers {
		_ = t.Delete()
	}
	x.queue.Delete()
	x.k.enter()
	clear(x.tasks)
	x.k.leave()
}

func (x *ThreadPool) work() {
	k := x.k
	var msg [4]byte
	for {
		x.queue.Recv(msg[:], WaitForever)
		id := binary.LittleEndian.Uint32(msg[:])
		k.enter()
		task := x.tasks[id]
		delete(x.tasks, id)
		k.leave()
		if task != nil {
			task()
		}
		x.queue.TaskDone()
	}
}
