package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupQueueFIFOOrder(t *testing.T) {
	q := NewGroupQueue()
	a := NewSequenceGroup("a", nil, SamplingParams{}, 0)
	b := NewSequenceGroup("b", nil, SamplingParams{}, 1)
	q.Enqueue(a)
	q.Enqueue(b)

	require.Equal(t, a, q.PeekFront())
	require.Equal(t, a, q.DequeueFront())
	require.Equal(t, b, q.DequeueFront())
	require.Nil(t, q.DequeueFront())
}

func TestGroupQueuePrependFrontJumpsAhead(t *testing.T) {
	q := NewGroupQueue()
	a := NewSequenceGroup("a", nil, SamplingParams{}, 0)
	b := NewSequenceGroup("b", nil, SamplingParams{}, 1)
	q.Enqueue(a)
	q.PrependFront(b)

	require.Equal(t, b, q.PeekFront())
	require.Equal(t, 2, q.Len())
}

func TestGroupQueueRemoveByRequestID(t *testing.T) {
	q := NewGroupQueue()
	a := NewSequenceGroup("a", nil, SamplingParams{}, 0)
	b := NewSequenceGroup("b", nil, SamplingParams{}, 1)
	q.Enqueue(a)
	q.Enqueue(b)

	g, ok := q.Remove("a")
	require.True(t, ok)
	require.Equal(t, a, g)
	require.Equal(t, 1, q.Len())

	_, ok = q.Remove("a")
	require.False(t, ok)
}

func TestGroupQueueItemsIsACopy(t *testing.T) {
	q := NewGroupQueue()
	a := NewSequenceGroup("a", nil, SamplingParams{}, 0)
	q.Enqueue(a)

	items := q.Items()
	items[0] = nil
	require.Equal(t, a, q.PeekFront(), "mutating the snapshot must not affect the queue")
}
