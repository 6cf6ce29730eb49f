package klite

import (
	"encoding/binary"
	"errors"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

// each message in a Mailbox is framed by a length word
const mailboxHeaderSize = 4

// Mailbox is a FIFO of variable length messages, stored as a byte stream,
// in a ring buffer carved from the arena. Unlike a MsgQueue, a small
// message uses only as much of the buffer as it needs.
//
// Blocked posters and readers are all woken by any change to the buffer,
// then recheck it, so a large message may wait behind smaller ones.
type Mailbox struct {
	k       *Kernel
	readers list.List[*Thread]
	writers list.List[*Thread]
	data    []byte
	mem     heap.Ptr
	// ring position of the oldest message
	head  int
	used  int
	count int
}

// NewMailbox creates a mailbox with a buffer of size bytes. Each message
// occupies its length, plus a 4 byte header.
func (k *Kernel) NewMailbox(size int) (*Mailbox, error) {
	if size <= mailboxHeaderSize {
		return nil, errors.New(`klite: mailbox: size must exceed the message header`)
	}
	mem, err := k.alloc(`mailbox`, size)
	if err != nil {
		return nil, err
	}
	b := k.heap.Bytes(mem)
	return &Mailbox{k: k, data: b[:size:size], mem: mem}, nil
}

// Delete frees the mailbox. There must not be any waiters.
func (x *Mailbox) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
		x.data = nil
	}
}

// Post copies msg into the mailbox, blocking up to timeout ticks while
// there is not enough room. It returns false if the timeout expired, or
// ErrMessageSize if msg could never fit.
func (x *Mailbox) Post(msg []byte, timeout Tick) (bool, error) {
	need := mailboxHeaderSize + len(msg)
	if need > len(x.data) {
		return false, ErrMessageSize
	}
	k := x.k
	k.enter()
	for len(x.data)-x.used < need {
		if timeout == 0 {
			k.leave()
			return false, nil
		}
		if timeout = k.blockOn(&x.writers, timeout); timeout == 0 {
			return false, nil
		}
		k.enter()
	}
	var hdr [mailboxHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	x.write(hdr[:])
	x.write(msg)
	x.count++
	if k.wakeAll(&x.readers) {
		k.schedPreempt(false)
	}
	k.leave()
	return true, nil
}

// Read takes the oldest message, blocking up to timeout ticks while the
// mailbox is empty. It copies as much as fits into buf, discarding the
// rest, and returns the full length of the message. It returns false if the
// timeout expired.
func (x *Mailbox) Read(buf []byte, timeout Tick) (int, bool) {
	k := x.k
	k.enter()
	for x.count == 0 {
		if timeout == 0 {
			k.leave()
			return 0, false
		}
		if timeout = k.blockOn(&x.readers, timeout); timeout == 0 {
			return 0, false
		}
		k.enter()
	}
	var hdr [mailboxHeaderSize]byte
	x.read(hdr[:])
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	c := min(n, len(buf))
	x.read(buf[:c])
	x.skip(n - c)
	x.count--
	if k.wakeAll(&x.writers) {
		k.schedPreempt(false)
	}
	k.leave()
	return n, true
}

// Clear discards every message, waking blocked posters.
func (x *Mailbox) Clear() {
	k := x.k
	k.enter()
	x.head, x.used, x.count = 0, 0, 0
	if k.wakeAll(&x.writers) {
		k.schedPreempt(false)
	}
	k.leave()
}

// Count returns the number of messages.
func (x *Mailbox) Count() int {
	x.k.enter()
	defer x.k.leave()
	return x.count
}

// Free returns the number of bytes available, including message headers.
func (x *Mailbox) Free() int {
	x.k.enter()
	defer x.k.leave()
	return len(x.data) - x.used
}

// Size returns the size of the buffer.
func (x *Mailbox) Size() int { return len(x.data) }

func (x *Mailbox) write(p []byte) {
	tail := (x.head + x.used) % len(x.data)
	n := copy(x.data[tail:], p)
	copy(x.data, p[n:])
	x.used += len(p)
}

func (x *Mailbox) read(p []byte) {
	n := copy(p, x.data[x.head:])
	copy(p[n:], x.data)
	x.skip(len(p))
}

func (x *Mailbox) skip(n int) {
	x.head = (x.head + n) % len(x.data)
	x.used -= n
}
