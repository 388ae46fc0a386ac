package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCpuGpuAllocatorDisjointIndexSpacesPerDevice(t *testing.T) {
	c := NewCpuGpuBlockAllocator(KindNaive, 4, 2, 2)
	require.Equal(t, 2, c.NumTotalBlocks(GPU))
	require.Equal(t, 2, c.NumTotalBlocks(CPU))

	gh, err := c.AllocateMutable(GPU, NoDeviceBlock)
	require.NoError(t, err)
	ch, err := c.AllocateMutable(CPU, NoDeviceBlock)
	require.NoError(t, err)

	require.Equal(t, GPU, gh.Device)
	require.Equal(t, CPU, ch.Device)
	require.Equal(t, 1, c.NumFreeBlocks(GPU))
	require.Equal(t, 1, c.NumFreeBlocks(CPU))
}

func TestCpuGpuAllocatorUnknownDevicePanics(t *testing.T) {
	c := NewCpuGpuBlockAllocator(KindNaive, 4, 2, 2)
	require.Panics(t, func() { c.NumFreeBlocks(Device(99)) })
}

func TestCpuGpuAllocatorMoveBlockPreservesContentHashAcrossDevices(t *testing.T) {
	c := NewCpuGpuBlockAllocator(KindPrefixCaching, 4, 2, 2)
	h, _, err := c.AllocateImmutable(GPU, NoDeviceBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)

	moved, err := c.MoveBlock(h, CPU, NoDeviceBlock)
	require.NoError(t, err)
	require.Equal(t, CPU, moved.Device)
	require.Equal(t, []int{1, 2, 3, 4}, c.TokenIDs(moved))

	// The GPU copy is unreferenced but still cached: re-requesting the
	// same content there reclaims it from the evictor instead of
	// allocating fresh storage.
	again, hit, err := c.AllocateImmutable(GPU, NoDeviceBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, h, again)
}

func TestCpuGpuAllocatorEmitsGloballyUniqueIDs(t *testing.T) {
	c := NewCpuGpuBlockAllocator(KindNaive, 4, 3, 2)
	gh, err := c.AllocateMutable(GPU, NoDeviceBlock)
	require.NoError(t, err)
	ch, err := c.AllocateMutable(CPU, NoDeviceBlock)
	require.NoError(t, err)

	require.Less(t, c.PhysicalIndex(gh), 3)
	require.GreaterOrEqual(t, c.PhysicalIndex(ch), 3, "CPU ids start above the GPU tier")
}

func TestCpuGpuAllocatorForkBumpsRefcountOnSameDevice(t *testing.T) {
	c := NewCpuGpuBlockAllocator(KindNaive, 4, 4, 4)
	h, err := c.AllocateMutable(GPU, NoDeviceBlock)
	require.NoError(t, err)

	forked := c.Fork(h)
	require.Equal(t, h, forked)
	require.Equal(t, GPU, forked.Device)

	// Dropping the forked reference leaves the original one holding the block.
	c.Free(forked)
	require.Equal(t, 3, c.NumFreeBlocks(GPU))
}
