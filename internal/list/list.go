// Package list implements an intrusive doubly-linked list.
//
// A Node is embedded in the structure that owns it, and records the List it
// currently belongs to, so membership can be checked without a scan, and a
// node can never be unlinked from a list it is not part of.
package list

import (
	"iter"
)

type (
	// Node is a list link. The zero value is an unlinked node with a zero
	// Value, and is ready to use.
	Node[T any] struct {
		Value T
		prev  *Node[T]
		next  *Node[T]
		list  *List[T]
	}

	// List is a FIFO-ordered doubly-linked list of Node values. The zero
	// value is an empty list, ready to use.
	List[T any] struct {
		head *Node[T]
		tail *Node[T]
		len  int
	}
)

// Init sets the value carried by the node, returning the node.
func (x *Node[T]) Init(value T) *Node[T] {
	x.Value = value
	return x
}

// List returns the list the node is linked into, or nil.
func (x *Node[T]) List() *List[T] {
	return x.list
}

// Linked reports whether the node is a member of any list.
func (x *Node[T]) Linked() bool {
	return x.list != nil
}

// Next returns the following node, or nil.
func (x *Node[T]) Next() *Node[T] {
	return x.next
}

// Len returns the number of linked nodes.
func (x *List[T]) Len() int {
	return x.len
}

// Empty reports whether the list has no nodes.
func (x *List[T]) Empty() bool {
	return x.len == 0
}

// Front returns the head node, or nil.
func (x *List[T]) Front() *Node[T] {
	return x.head
}

// PushBack appends n. Panics if n is already linked.
func (x *List[T]) PushBack(n *Node[T]) {
	x.link(n)
	n.prev = x.tail
	if x.tail != nil {
		x.tail.next = n
	} else {
		x.head = n
	}
	x.tail = n
}

// PushFront prepends n. Panics if n is already linked.
func (x *List[T]) PushFront(n *Node[T]) {
	x.link(n)
	n.next = x.head
	if x.head != nil {
		x.head.prev = n
	} else {
		x.tail = n
	}
	x.head = n
}

// InsertBefore links n in front of mark, which must belong to the list.
func (x *List[T]) InsertBefore(n, mark *Node[T]) {
	if mark.list != x {
		panic(`list: insert before: mark is not a member`)
	}
	if mark == x.head {
		x.PushFront(n)
		return
	}
	x.link(n)
	n.prev = mark.prev
	n.next = mark
	mark.prev.next = n
	mark.prev = n
}

// Remove unlinks n, returning false (and doing nothing) if n is not a member
// of this list.
func (x *List[T]) Remove(n *Node[T]) bool {
	if n == nil || n.list != x {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		x.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		x.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	n.list = nil
	x.len--
	return true
}

// PopFront unlinks and returns the head node, or nil.
func (x *List[T]) PopFront() *Node[T] {
	n := x.head
	if n != nil {
		x.Remove(n)
	}
	return n
}

// Unlink removes n from whichever list holds it.
func Unlink[T any](n *Node[T]) bool {
	if n.list == nil {
		return false
	}
	return n.list.Remove(n)
}

// All iterates the values, head to tail. The current node may be removed
// during iteration.
func (x *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := x.head; n != nil; {
			next := n.next
			if !yield(n.Value) {
				return
			}
			n = next
		}
	}
}

func (x *List[T]) link(n *Node[T]) {
	if n.list != nil {
		panic(`list: node is already linked`)
	}
	n.list = x
	x.len++
}
