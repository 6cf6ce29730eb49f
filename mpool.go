package klite

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/internal/list"
)

// every slot of a MemPool is a link word, followed by the block
const (
	poolLinkSize = 4
	poolEnd      = ^uint32(0)
	poolInUse    = ^uint32(0) - 1
)

// MemPool is a pool of fixed size blocks, carved from a single arena
// allocation. Alloc blocks while the pool is empty.
type MemPool struct {
	k         *Kernel
	wait      list.List[*Thread]
	data      []byte
	mem       heap.Ptr
	blockSize int
	slotSize  int
	count     int
	avail     int
	// free list, linked through the slots, oldest first
	head, tail uint32
}

// NewMemPool creates a pool of count blocks, of blockSize bytes each.
func (k *Kernel) NewMemPool(blockSize, count int) (*MemPool, error) {
	if blockSize <= 0 || count <= 0 {
		return nil, errors.New(`klite: mem pool: block size and count must be positive`)
	}
	slot := (poolLinkSize + blockSize + heap.Align - 1) &^ (heap.Align - 1)
	mem, err := k.alloc(`mem pool`, slot*count)
	if err != nil {
		return nil, err
	}
	x := &MemPool{
		k:         k,
		data:      k.heap.Bytes(mem),
		mem:       mem,
		blockSize: blockSize,
		slotSize:  slot,
		count:     count,
		head:      poolEnd,
		tail:      poolEnd,
	}
	for i := range count {
		x.push(uint32(i))
	}
	return x, nil
}

// Delete frees the pool, and every block. There must not be any waiters.
func (x *MemPool) Delete() {
	if x.mem != heap.Nil {
		x.k.heap.Free(x.mem)
		x.mem = heap.Nil
		x.data = nil
	}
}

// Alloc takes a block, blocking up to timeout ticks while none are
// available. It returns nil if the timeout expired. The block aliases the
// arena, and its contents are undefined.
func (x *MemPool) Alloc(timeout Tick) []byte {
	k := x.k
	k.enter()
	if x.head == poolEnd {
		if timeout == 0 {
			k.leave()
			return nil
		}
		cur := k.current
		if k.blockOn(&x.wait, timeout) == 0 {
			return nil
		}
		// handed over by Free
		return x.block(cur.grant)
	}
	i := x.head
	x.head = x.link(i)
	if x.head == poolEnd {
		x.tail = poolEnd
	}
	x.setLink(i, poolInUse)
	x.avail--
	k.leave()
	return x.block(i)
}

// Free returns a block to the pool. If any thread is waiting, the block is
// handed to the first, without becoming available to anybody else.
func (x *MemPool) Free(b []byte) error {
	k := x.k
	k.enter()
	defer k.leave()
	i, ok := x.index(b)
	if !ok || x.link(i) != poolInUse {
		return ErrInvalidBlock
	}
	if t := k.wakeFrom(&x.wait); t != nil {
		t.grant = i
		k.schedPreempt(false)
		return nil
	}
	x.push(i)
	return nil
}

// Available returns the number of free blocks.
func (x *MemPool) Available() int {
	x.k.enter()
	defer x.k.leave()
	return x.avail
}

// BlockSize returns the size of each block.
func (x *MemPool) BlockSize() int { return x.blockSize }

func (x *MemPool) block(i uint32) []byte {
	off := int(i)*x.slotSize + poolLinkSize
	return x.data[off : off+x.blockSize : off+x.blockSize]
}

// index locates the slot of b, which must be a block returned by Alloc.
func (x *MemPool) index(b []byte) (uint32, bool) {
	if len(b) != x.blockSize || len(x.data) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(x.data)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if p < base || p >= base+uintptr(len(x.data)) {
		return 0, false
	}
	off := int(p-base) - poolLinkSize
	if off < 0 || off%x.slotSize != 0 {
		return 0, false
	}
	return uint32(off / x.slotSize), true
}

func (x *MemPool) push(i uint32) {
	x.setLink(i, poolEnd)
	if x.tail == poolEnd {
		x.head = i
	} else {
		x.setLink(x.tail, i)
	}
	x.tail = i
	x.avail++
}

func (x *MemPool) link(i uint32) uint32 {
	return binary.LittleEndian.Uint32(x.data[int(i)*x.slotSize:])
}

func (x *MemPool) setLink(i, v uint32) {
	binary.LittleEndian.PutUint32(x.data[int(i)*x.slotSize:], v)
}
