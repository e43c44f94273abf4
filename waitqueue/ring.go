package waitqueue

// RingNode is a doubly linked list node holding one value. Values do
// not embed RingNode: NewNode allocates a separate node that wraps the
// value (a *journalblock.Block, a hash lock holder's DataVIO, ...).
type RingNode struct {
	prev, next *RingNode
	ring       *Ring
	self       interface{}
}

// Value returns the value this node was pushed with.
func (n *RingNode) Value() interface{} {
	return n.self
}

// Ring is a doubly linked list supporting O(1) PushBack, PopFront and
// Remove; Splice moves src's nodes one at a time, in time linear in
// src's length. It is used for the
// recovery journal's free/active tail-block pools and for a hash
// lock's duplicate_ring (spec.md section 9).
type Ring struct {
	head, tail *RingNode
	length     uint64
}

// NewNode wraps value in a fresh, unlinked RingNode.
func NewNode(value interface{}) *RingNode {
	return &RingNode{self: value}
}

// Len reports the number of linked nodes.
func (r *Ring) Len() uint64 {
	return r.length
}

// IsEmpty reports whether the ring has no nodes.
func (r *Ring) IsEmpty() bool {
	return r.head == nil
}

// Front returns the head node, or nil.
func (r *Ring) Front() *RingNode {
	return r.head
}

// Back returns the tail node, or nil.
func (r *Ring) Back() *RingNode {
	return r.tail
}

// PushBack appends n to the tail. Panics if n is already linked.
func (r *Ring) PushBack(n *RingNode) {
	if n.ring != nil {
		panic("waitqueue: ring node already linked")
	}
	n.ring = r
	n.prev = r.tail
	n.next = nil
	if r.tail != nil {
		r.tail.next = n
	} else {
		r.head = n
	}
	r.tail = n
	r.length++
}

// PopFront removes and returns the head node, or nil if empty.
func (r *Ring) PopFront() *RingNode {
	n := r.head
	if n == nil {
		return nil
	}
	r.remove(n)
	return n
}

// Remove unlinks n from whichever ring it's on. Panics if n isn't
// linked into r.
func (r *Ring) Remove(n *RingNode) {
	if n.ring != r {
		panic("waitqueue: ring node not linked into this ring")
	}
	r.remove(n)
}

func (r *Ring) remove(n *RingNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		r.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		r.tail = n.prev
	}
	n.prev, n.next, n.ring = nil, nil, nil
	r.length--
}

// Splice moves every node from src onto the tail of dst, in order.
func (dst *Ring) Splice(src *Ring) {
	for n := src.PopFront(); n != nil; n = src.PopFront() {
		dst.PushBack(n)
	}
}

// Each calls f on every node, front to back. f must not mutate the
// ring.
func (r *Ring) Each(f func(*RingNode)) {
	for n := r.head; n != nil; n = n.next {
		f(n)
	}
}
