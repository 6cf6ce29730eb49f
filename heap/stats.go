package heap

type (
	// Stats is a point-in-time summary of the arena. Byte counts exclude
	// headers unless noted otherwise.
	Stats struct {
		// Total is Size.
		Total int
		// Available is the sum of all gaps.
		Available int
		// MinimumEverAvailable is the low watermark of Available.
		MinimumEverAvailable int
		// LargestFree, SecondLargestFree and SmallestFree are gap sizes,
		// including the header any allocation in the gap would need.
		LargestFree       int
		SecondLargestFree int
		SmallestFree      int
		// FreeBlocks is the number of non-empty gaps.
		FreeBlocks   int
		Allocs       uint64
		Frees        uint64
		InvalidFrees uint64
	}

	// NodeInfo describes one live allocation.
	NodeInfo struct {
		Ptr   Ptr
		Size  int
		Owner uint32
	}
)

// Stats walks the chain, summarising the gaps.
func (x *Heap) Stats() (s Stats) {
	x.lock.Lock()
	defer x.lock.Unlock()

	s.Total = int(x.size)
	s.Available = int(x.avail)
	s.MinimumEverAvailable = int(x.minAvail)
	s.Allocs = x.allocs
	s.Frees = x.frees
	s.InvalidFrees = x.invalid

	for n := x.head; n != x.tail; n = x.next(n) {
		gap := int(x.gap(n))
		if gap == 0 {
			continue
		}
		s.FreeBlocks++
		switch {
		case gap > s.LargestFree:
			s.SecondLargestFree = s.LargestFree
			s.LargestFree = gap
		case gap > s.SecondLargestFree:
			s.SecondLargestFree = gap
		}
		if s.SmallestFree == 0 || gap < s.SmallestFree {
			s.SmallestFree = gap
		}
	}

	return s
}

// Nodes returns a snapshot of every live allocation, in address order.
func (x *Heap) Nodes() (nodes []NodeInfo) {
	x.lock.Lock()
	defer x.lock.Unlock()
	for n := x.next(x.head); n != x.tail; n = x.next(n) {
		nodes = append(nodes, NodeInfo{
			Ptr:   Ptr(n + HeaderSize),
			Size:  int(x.used(n) - HeaderSize),
			Owner: x.owner(n),
		})
	}
	return nodes
}
