package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNaiveAllocateImmutableAndFree(t *testing.T) {
	a := NewNaiveBlockAllocator(4, 2)
	require.Equal(t, 2, a.NumFreeBlocks())

	h, hit, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 1, a.NumFreeBlocks())
	require.True(t, a.IsFull(h))
	require.Equal(t, []int{1, 2, 3, 4}, a.TokenIDs(h))

	a.Free(h)
	require.Equal(t, 2, a.NumFreeBlocks())
}

func TestNaiveAllocatorExhaustionReturnsErrNoFreeBlocks(t *testing.T) {
	a := NewNaiveBlockAllocator(4, 1)
	_, err := a.AllocateMutable(NoBlock)
	require.NoError(t, err)
	_, err = a.AllocateMutable(NoBlock)
	require.ErrorIs(t, err, ErrNoFreeBlocks)
}

func TestNaiveIdenticalPrefixesDoNotDedup(t *testing.T) {
	a := NewNaiveBlockAllocator(4, 4)
	h1, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	h2, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2, "naive allocation never dedups identical content")
}

func TestNaiveForkSharesBlockUntilAppend(t *testing.T) {
	a := NewNaiveBlockAllocator(4, 4)
	h, err := a.AllocateMutable(NoBlock)
	require.NoError(t, err)
	_, _, err = a.AppendTokenIDs(h, []int{1, 2})
	require.NoError(t, err)

	forked := a.Fork(h)
	require.Equal(t, h, forked)

	newH, cow, err := a.AppendTokenIDs(h, []int{3})
	require.NoError(t, err)
	require.NotNil(t, cow, "appending to a block with refcount > 1 must copy-on-write")
	require.NotEqual(t, h, newH)
}

func TestNaiveForkOfFreedBlockPanics(t *testing.T) {
	a := NewNaiveBlockAllocator(4, 4)
	h, err := a.AllocateMutable(NoBlock)
	require.NoError(t, err)
	a.Free(h)
	require.Panics(t, func() { a.Fork(h) })
}
