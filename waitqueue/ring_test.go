package waitqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPopOrder(t *testing.T) {
	var r Ring
	r.PushBack(NewNode(1))
	r.PushBack(NewNode(2))
	r.PushBack(NewNode(3))
	assert.Equal(t, uint64(3), r.Len())

	first := r.PopFront()
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Value())
	assert.Equal(t, 2, r.Front().Value())
	assert.Equal(t, 3, r.Back().Value())
}

func TestRingRemoveMiddle(t *testing.T) {
	var r Ring
	a, b, c := NewNode("a"), NewNode("b"), NewNode("c")
	r.PushBack(a)
	r.PushBack(b)
	r.PushBack(c)
	r.Remove(b)
	assert.Equal(t, uint64(2), r.Len())

	var seen []interface{}
	r.Each(func(n *RingNode) { seen = append(seen, n.Value()) })
	assert.Equal(t, []interface{}{"a", "c"}, seen)
}

func TestRingSplice(t *testing.T) {
	var src, dst Ring
	src.PushBack(NewNode(1))
	src.PushBack(NewNode(2))
	dst.PushBack(NewNode(0))

	dst.Splice(&src)
	assert.True(t, src.IsEmpty())
	assert.Equal(t, uint64(3), dst.Len())

	var seen []interface{}
	dst.Each(func(n *RingNode) { seen = append(seen, n.Value()) })
	assert.Equal(t, []interface{}{0, 1, 2}, seen)
}

func TestPushBackAlreadyLinkedPanics(t *testing.T) {
	var r Ring
	n := NewNode(1)
	r.PushBack(n)
	assert.Panics(t, func() {
		r.PushBack(n)
	})
}

func TestRemoveWrongRingPanics(t *testing.T) {
	var r1, r2 Ring
	n := NewNode(1)
	r1.PushBack(n)
	assert.Panics(t, func() {
		r2.Remove(n)
	})
}
