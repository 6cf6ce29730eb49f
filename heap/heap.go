// Package heap implements a boundary-tag arena allocator over a single
// caller-supplied byte slice.
//
// Every block, allocated or sentinel, starts with a HeaderSize header of four
// little-endian words: prev offset, next offset, used size (header included,
// tagged with a magic byte), and owner. Headers are chained in address order,
// and free space exists only implicitly, as the gap between the end of one
// block and the start of the next. The first and last headers are permanent
// sentinels marking the bounds of the arena.
//
// A Heap is safe for concurrent use only when configured WithLocker.
package heap

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

type (
	// Ptr is the offset of an allocation's payload within the arena. The zero
	// value, Nil, is never a valid allocation.
	Ptr uint32

	// Heap is an arena allocator. Create instances using New.
	Heap struct {
		lock  sync.Locker
		fault func(size int)
		mem   []byte
		// size is len(mem) truncated to Align
		size uint32
		// offsets of the sentinel headers
		head, tail uint32
		// lowest node that may have a usable trailing gap
		free uint32
		// bytes not covered by any header or payload
		avail    uint32
		minAvail uint32
		allocs   uint64
		frees    uint64
		invalid  uint64
	}

	nopLocker struct{}
)

const (
	// Nil is the null allocation.
	Nil Ptr = 0

	// HeaderSize is the size of the header preceding every block.
	HeaderSize = 16

	// Align is the allocation granularity, the word size of the simulated
	// 32-bit target.
	Align = 4

	// MaxBlockSize is the largest footprint (header included) of a single
	// block.
	MaxBlockSize = usedSizeMask

	offPrev  = 0
	offNext  = 4
	offUsed  = 8
	offOwner = 12

	usedMagic    = 0xEA << 24
	usedMagicMsk = 0xFF << 24
	usedSizeMask = 1<<24 - 1

	noNode = math.MaxUint32
)

var (
	// ErrArenaSize is returned by New if the arena cannot hold the two
	// sentinel headers, or cannot be addressed with 32-bit offsets.
	ErrArenaSize = errors.New(`heap: invalid arena size`)
)

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// New initialises an allocator over mem, which is owned by the Heap from
// then on.
func New(mem []byte, opts ...Option) (*Heap, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	if uint64(len(mem)) > math.MaxUint32 {
		return nil, ErrArenaSize
	}
	size := uint32(len(mem)) &^ (Align - 1)
	if size < 2*HeaderSize {
		return nil, ErrArenaSize
	}

	x := &Heap{
		lock:  cfg.locker,
		fault: cfg.fault,
		mem:   mem[:size:size],
		size:  size,
		head:  0,
		tail:  size - HeaderSize,
	}
	x.writeNode(x.head, noNode, x.tail, HeaderSize, 0)
	x.writeNode(x.tail, x.head, noNode, HeaderSize, 0)
	x.free = x.head
	x.avail = size - 2*HeaderSize
	x.minAvail = x.avail

	return x, nil
}

// Size returns the total number of bytes managed, sentinels included.
func (x *Heap) Size() int {
	return int(x.size)
}

// Alloc returns a block of at least size bytes, or Nil if no gap is large
// enough, in which case the fault handler is called with size.
// A zero size returns Nil without faulting.
func (x *Heap) Alloc(size int) Ptr {
	return x.AllocOwned(size, 0)
}

// AllocOwned is Alloc, tagging the block with owner (see FreeOwned).
func (x *Heap) AllocOwned(size int, owner uint32) Ptr {
	if size <= 0 {
		return Nil
	}
	x.lock.Lock()
	p := x.allocLocked(size, owner)
	x.lock.Unlock()
	if p == Nil {
		x.onFault(size)
	}
	return p
}

// Free releases a block returned by Alloc or Realloc. Freeing Nil is a no-op.
// Pointers that do not reference a live block are ignored, and counted as
// Stats.InvalidFrees.
func (x *Heap) Free(p Ptr) {
	if p == Nil {
		return
	}
	x.lock.Lock()
	x.freeLocked(p)
	x.lock.Unlock()
}

// Realloc moves the contents of p into a new block of size bytes, freeing p.
// It never grows in place. Realloc(Nil, n) is Alloc(n), Realloc(p, 0) frees
// p and returns Nil. On failure, p is left untouched, and Nil is returned.
func (x *Heap) Realloc(p Ptr, size int) Ptr {
	if p == Nil {
		return x.Alloc(size)
	}
	if size <= 0 {
		x.Free(p)
		return Nil
	}

	x.lock.Lock()
	n, ok := x.nodeOf(p)
	if !ok {
		x.invalid++
		x.lock.Unlock()
		return Nil
	}
	np := x.allocLocked(size, x.owner(n))
	if np != Nil {
		copy(x.payload(np), x.payload(p))
		x.freeLocked(p)
	}
	x.lock.Unlock()

	if np == Nil {
		x.onFault(size)
	}
	return np
}

// Usage walks the chain, returning the bytes in use (headers and sentinels
// included) and the bytes free. The sum is always Size.
func (x *Heap) Usage() (used, free int) {
	x.lock.Lock()
	defer x.lock.Unlock()
	for n := x.head; n != x.tail; n = x.next(n) {
		free += int(x.gap(n))
	}
	return int(x.size) - free, free
}

// UsagePercent is Usage, as the percentage of Size in use.
func (x *Heap) UsagePercent() float64 {
	used, _ := x.Usage()
	return float64(used) * 100 / float64(x.size)
}

// Bytes returns the payload of p, or nil if p is not a live block. The
// slice aliases the arena, and is capped to the block.
func (x *Heap) Bytes(p Ptr) []byte {
	x.lock.Lock()
	defer x.lock.Unlock()
	if _, ok := x.nodeOf(p); !ok {
		return nil
	}
	return x.payload(p)
}

// FreeOwned releases every block tagged with owner, returning the number
// freed. The zero owner is never matched.
func (x *Heap) FreeOwned(owner uint32) (count int) {
	if owner == 0 {
		return 0
	}
	x.lock.Lock()
	defer x.lock.Unlock()
	for n := x.next(x.head); n != x.tail; {
		next := x.next(n)
		if x.owner(n) == owner {
			x.freeLocked(Ptr(n + HeaderSize))
			count++
		}
		n = next
	}
	return count
}

func (x *Heap) allocLocked(size int, owner uint32) Ptr {
	if size > MaxBlockSize-HeaderSize {
		return Nil
	}
	need := alignUp(uint32(size) + HeaderSize)
	for n := x.free; n != x.tail; n = x.next(n) {
		if x.gap(n) < need {
			continue
		}
		next := x.next(n)
		nn := n + x.used(n)
		x.writeNode(nn, n, next, need, owner)
		x.setWord(n+offNext, nn)
		x.setWord(next+offPrev, nn)
		if n == x.free {
			x.free = x.findFree(nn)
		}
		x.avail -= need
		x.minAvail = min(x.minAvail, x.avail)
		x.allocs++
		return Ptr(nn + HeaderSize)
	}
	return Nil
}

func (x *Heap) freeLocked(p Ptr) {
	n, ok := x.nodeOf(p)
	if !ok {
		x.invalid++
		return
	}
	prev, next := x.prev(n), x.next(n)
	x.setWord(prev+offNext, next)
	x.setWord(next+offPrev, prev)
	x.avail += x.used(n)
	x.setWord(n+offUsed, 0)
	if prev < x.free {
		x.free = prev
	}
	x.frees++
}

// findFree returns the first node from n with room for more than a header.
func (x *Heap) findFree(n uint32) uint32 {
	for n != x.tail && x.gap(n) <= HeaderSize {
		n = x.next(n)
	}
	return n
}

// nodeOf validates p, returning the offset of its header.
func (x *Heap) nodeOf(p Ptr) (uint32, bool) {
	n := uint32(p) - HeaderSize
	if uint32(p) < 2*HeaderSize || n >= x.tail || n%Align != 0 {
		return 0, false
	}
	if x.word(n+offUsed)&usedMagicMsk != usedMagic {
		return 0, false
	}
	prev, next := x.prev(n), x.next(n)
	if prev >= n || next <= n || next > x.tail || x.next(prev) != n || x.prev(next) != n {
		return 0, false
	}
	return n, true
}

func (x *Heap) payload(p Ptr) []byte {
	n := uint32(p) - HeaderSize
	end := n + x.used(n)
	return x.mem[p:end:end]
}

func (x *Heap) gap(n uint32) uint32 {
	return x.next(n) - n - x.used(n)
}

func (x *Heap) prev(n uint32) uint32 { return x.word(n + offPrev) }

func (x *Heap) next(n uint32) uint32 { return x.word(n + offNext) }

func (x *Heap) used(n uint32) uint32 { return x.word(n+offUsed) & usedSizeMask }

func (x *Heap) owner(n uint32) uint32 { return x.word(n + offOwner) }

func (x *Heap) writeNode(n, prev, next, used, owner uint32) {
	x.setWord(n+offPrev, prev)
	x.setWord(n+offNext, next)
	x.setWord(n+offUsed, used|usedMagic)
	x.setWord(n+offOwner, owner)
}

func (x *Heap) word(off uint32) uint32 {
	return binary.LittleEndian.Uint32(x.mem[off:])
}

func (x *Heap) setWord(off, v uint32) {
	binary.LittleEndian.PutUint32(x.mem[off:], v)
}

func (x *Heap) onFault(size int) {
	if x.fault != nil {
		x.fault(size)
	}
}

func alignUp(v uint32) uint32 {
	return (v + Align - 1) &^ (Align - 1)
}
