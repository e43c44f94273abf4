package waitqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	var q Queue
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue(&Waiter{Notify: func(error) { order = append(order, i) }})
	}
	assert.Equal(t, uint64(3), q.Len())
	q.NotifyAll(nil)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.True(t, q.IsEmpty())
}

func TestQueueDoubleEnqueuePanics(t *testing.T) {
	var q Queue
	w := &Waiter{}
	q.Enqueue(w)
	assert.Panics(t, func() {
		q.Enqueue(w)
	})
}

func TestQueueFrontDoesNotRemove(t *testing.T) {
	var q Queue
	w := &Waiter{Context: "payload"}
	q.Enqueue(w)
	require.Equal(t, w, q.Front())
	assert.Equal(t, uint64(1), q.Len())
	assert.Equal(t, "payload", q.Dequeue().Context)
}

func TestNotifyAllSurvivesReentrantEnqueue(t *testing.T) {
	var q Queue
	var second Waiter
	second.Notify = func(error) {}
	first := &Waiter{Notify: func(error) {
		q.Enqueue(&second)
	}}
	q.Enqueue(first)
	q.NotifyAll(nil)
	assert.Equal(t, uint64(1), q.Len())
}
