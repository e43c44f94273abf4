// Package waitqueue provides the two intrusive collections spec.md
// section 9's Design Notes calls for: a FIFO of waiters, and a ring
// list for free/active pools and lock-holder rings. Neither the
// teacher nor any other retrieved repo ships a reusable version of
// either (the teacher inlines plain Go slices and maps for its own,
// narrower, queues), so both are written fresh; ownership rules
// follow spec.md section 5 (each queue belongs to exactly one
// executor, so no internal locking).
package waitqueue

// Waiter is anything that can wait on a Queue; callers allocate a
// Waiter directly and push/pop it by pointer. Context carries
// whatever payload the owning executor needs to act on the waiter
// when it's notified (spec.md section 9: "each waiter carries an
// embedded link, plus a callback + context").
type Waiter struct {
	next    *Waiter
	queued  bool
	Notify  func(err error)
	Context interface{}
}

// onQueue reports whether w is currently linked into some Queue. A
// waiter may only be on one queue at a time (spec.md section 9).
func (w *Waiter) onQueue() bool {
	return w.queued
}

// Queue is a singly linked FIFO of waiters, owned by exactly one
// executor.
type Queue struct {
	head, tail *Waiter
	length     uint64
}

// Enqueue appends w. Panics if w is already queued somewhere.
func (q *Queue) Enqueue(w *Waiter) {
	if w.onQueue() {
		panic("waitqueue: waiter is already on a queue")
	}
	w.queued = true
	w.next = nil
	if q.tail == nil {
		q.head, q.tail = w, w
	} else {
		q.tail.next = w
		q.tail = w
	}
	q.length++
}

// Dequeue removes and returns the front waiter, or nil if empty.
func (q *Queue) Dequeue() *Waiter {
	w := q.head
	if w == nil {
		return nil
	}
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	w.next = nil
	w.queued = false
	q.length--
	return w
}

// Front returns the head waiter without removing it, or nil if empty.
func (q *Queue) Front() *Waiter {
	return q.head
}

// Len reports the number of queued waiters.
func (q *Queue) Len() uint64 {
	return q.length
}

// IsEmpty reports whether the queue has no waiters.
func (q *Queue) IsEmpty() bool {
	return q.head == nil
}

// NotifyAll pops every waiter in FIFO order and calls Notify(err) on
// each. Safe against a callback re-enqueueing the waiter onto another
// queue (spec.md section 9): the queue is fully drained into a local
// list before any callback runs.
func (q *Queue) NotifyAll(err error) {
	var drained []*Waiter
	for w := q.Dequeue(); w != nil; w = q.Dequeue() {
		drained = append(drained, w)
	}
	for _, w := range drained {
		if w.Notify != nil {
			w.Notify(err)
		}
	}
}
