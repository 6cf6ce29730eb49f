package klite

import (
	"encoding/binary"
	"errors"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

// every slot of a MsgQueue is a link word, a length word, then the message
const msgHeaderSize = 8

// MsgQueue is a bounded queue of messages, each up to a fixed size, copied
// into slots in the arena.
//
// Like a work queue, it also counts unfinished messages: each Send adds
// one, and each TaskDone removes one, Join waiting for the count to reach
// zero.
type MsgQueue struct {
	k        *Kernel
	readers  list.List[*Thread]
	writers  list.List[*Thread]
	joiners  list.List[*Thread]
	data     []byte
	mem      heap.Ptr
	msgSize  int
	slotSize int
	depth    int
	count    int
	pending  int
	// message list, oldest first
	head, tail uint32
	// stack of empty slots
	empty uint32
}

// NewMsgQueue creates a queue of depth slots, each holding up to msgSize
// bytes.
func (k *Kernel) NewMsgQueue(msgSize, depth int) (*MsgQueue, error) {
	if msgSize <= 0 || depth <= 0 {
		return nil, errors.New(`klite: msg queue: message size and depth must be positive`)
	}
	slot := (msgHeaderSize + msgSize + heap.Align - 1) &^ (heap.Align - 1)
	mem, err := k.alloc(`msg queue`, slot*depth)
	if err != nil {
		return nil, err
	}
	x := &MsgQueue{
		k:        k,
		data:     k.heap.Bytes(mem),
		mem:      mem,
		msgSize:  msgSize,
		slotSize: slot,
		depth:    depth,
		head:     poolEnd,
		tail:     poolEnd,
		empty:    poolEnd,
	}
	for i := depth - 1; i >= 0; i-- {
		x.release(uint32(i))
	}
	return x, nil
}

// Delete frees the queue. There must not be any waiters.
func (x *MsgQueue) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
		x.data = nil
	}
}

// Send copies msg to the back of the queue, blocking up to timeout ticks
// while it is full. It returns false if the timeout expired, or an error if
// msg exceeds the message size.
func (x *MsgQueue) Send(msg []byte, timeout Tick) (bool, error) {
	return x.send(msg, timeout, false)
}

// SendUrgent is Send, to the front of the queue.
func (x *MsgQueue) SendUrgent(msg []byte, timeout Tick) (bool, error) {
	return x.send(msg, timeout, true)
}

func (x *MsgQueue) send(msg []byte, timeout Tick, urgent bool) (bool, error) {
	if len(msg) > x.msgSize {
		return false, ErrMessageSize
	}
	k := x.k
	k.enter()
	for x.empty == poolEnd {
		if timeout == 0 {
			k.leave()
			return false, nil
		}
		timeout = k.blockOn(&x.writers, timeout)
		k.enter()
	}

	i := x.empty
	x.empty = x.link(i)
	slot := x.slot(i)
	binary.LittleEndian.PutUint32(slot[4:], uint32(len(msg)))
	copy(slot[msgHeaderSize:], msg)

	x.setLink(i, poolEnd)
	switch {
	case x.head == poolEnd:
		x.head, x.tail = i, i
	case urgent:
		x.setLink(i, x.head)
		x.head = i
	default:
		x.setLink(x.tail, i)
		x.tail = i
	}
	x.count++
	x.pending++

	if k.wakeFrom(&x.readers) != nil {
		k.schedPreempt(false)
	}
	k.leave()
	return true, nil
}

// Recv copies the message at the front of the queue into buf, truncating
// it if buf is too small, blocking up to timeout ticks while the queue is
// empty. It returns the length of the message, and false if the timeout
// expired.
func (x *MsgQueue) Recv(buf []byte, timeout Tick) (int, bool) {
	k := x.k
	k.enter()
	for x.head == poolEnd {
		if timeout == 0 {
			k.leave()
			return 0, false
		}
		timeout = k.blockOn(&x.readers, timeout)
		k.enter()
	}

	i := x.head
	x.head = x.link(i)
	if x.head == poolEnd {
		x.tail = poolEnd
	}
	slot := x.slot(i)
	n := int(binary.LittleEndian.Uint32(slot[4:]))
	copy(buf, slot[msgHeaderSize:msgHeaderSize+n])
	x.count--
	x.release(i)

	if k.wakeFrom(&x.writers) != nil {
		k.schedPreempt(false)
	}
	k.leave()
	return n, true
}

// Count returns the number of messages in the queue.
func (x *MsgQueue) Count() int {
	x.k.enter()
	defer x.k.leave()
	return x.count
}

// Pending returns the number of messages sent, but not yet marked done.
func (x *MsgQueue) Pending() int {
	x.k.enter()
	defer x.k.leave()
	return x.pending
}

// MsgSize returns the maximum size of a message.
func (x *MsgQueue) MsgSize() int { return x.msgSize }

// Clear discards every message, and resets the pending count.
func (x *MsgQueue) Clear() {
	k := x.k
	k.enter()
	defer k.leave()
	for x.head != poolEnd {
		i := x.head
		x.head = x.link(i)
		x.release(i)
	}
	x.tail = poolEnd
	x.count = 0
	x.pending = 0
	woke := k.wakeAll(&x.writers)
	if k.wakeAll(&x.joiners) || woke {
		k.schedPreempt(false)
	}
}

// TaskDone marks one received message as processed.
func (x *MsgQueue) TaskDone() {
	k := x.k
	k.enter()
	defer k.leave()
	if x.pending == 0 {
		return
	}
	x.pending--
	if x.pending == 0 && k.wakeAll(&x.joiners) {
		k.schedPreempt(false)
	}
}

// Join blocks until every message sent has been marked done, returning
// false if the timeout expired first.
func (x *MsgQueue) Join(timeout Tick) bool {
	k := x.k
	k.enter()
	if x.pending == 0 {
		k.leave()
		return true
	}
	if timeout == 0 {
		k.leave()
		return false
	}
	return k.blockOn(&x.joiners, timeout) != 0
}

func (x *MsgQueue) release(i uint32) {
	x.setLink(i, x.empty)
	x.empty = i
}

func (x *MsgQueue) slot(i uint32) []byte {
	off := int(i) * x.slotSize
	return x.data[off : off+x.slotSize]
}

func (x *MsgQueue) link(i uint32) uint32 {
	return binary.LittleEndian.Uint32(x.slot(i))
}

func (x *MsgQueue) setLink(i, v uint32) {
	binary.LittleEndian.PutUint32(x.slot(i), v)
}
