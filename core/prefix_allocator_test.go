package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixCachingDedupsIdenticalFirstBlock(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	h1, hit1, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.False(t, hit1)

	h2, hit2, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, hit2, "identical first block must hit the content cache")
	require.Equal(t, h1, h2)
}

func TestPrefixCachingChainedHashDependsOnPredecessor(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 8)
	h1, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	h2a, _, err := a.AllocateImmutable(h1, []int{5, 6, 7, 8})
	require.NoError(t, err)

	// Same second-block content but a different (absent) predecessor
	// must hash differently and therefore not hit.
	h2b, hit, err := a.AllocateImmutable(NoBlock, []int{5, 6, 7, 8})
	require.NoError(t, err)
	require.False(t, hit)
	require.NotEqual(t, h2a, h2b)
}

func TestPrefixCachingFreedBlockStaysCachedThenEvicted(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 1) // exactly one physical block
	h1, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	a.SetClock(1)
	a.Free(h1)
	require.Equal(t, 1, a.NumFreeBlocks(), "freed content-complete block counts as free via the evictor")

	// A cache hit on the same content reclaims it without evicting.
	h2, hit, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, h1, h2)

	a.Free(h2)
	// Different content now forces an eviction of the cached block.
	h3, hit, err := a.AllocateImmutable(NoBlock, []int{9, 9, 9, 9})
	require.NoError(t, err)
	require.False(t, hit)
	require.NotEqual(t, h1, h3)
}

func TestAdoptHashedReusesExistingCacheEntry(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	h1, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	hash := ContentHash(true, "", []int{1, 2, 3, 4})

	h2, hit, err := a.AdoptHashed(NoBlock, []int{1, 2, 3, 4}, hash, 4)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, h1, h2)
}

func TestFilledMutableBlockPromotesIntoContentCache(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	h, err := a.AllocateMutable(NoBlock)
	require.NoError(t, err)
	h, _, err = a.AppendTokenIDs(h, []int{1, 2, 3, 4})
	require.NoError(t, err)

	// The filled block is now content-addressed: an identical immutable
	// request hits it instead of allocating fresh storage.
	h2, hit, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, h, h2)
}

// requireBookkeepingExact asserts that every slot is in exactly one of
// {free stack, referenced, evictor}: the free count (never-used plus
// evictable) and the referenced count always sum to the arena size.
func requireBookkeepingExact(t *testing.T, a *PrefixCachingBlockAllocator) {
	t.Helper()
	referenced := 0
	for _, id := range a.AllBlockIDs() {
		if a.refcounts.Get(id) > 0 {
			referenced++
		}
	}
	require.Equal(t, a.NumTotalBlocks(), a.NumFreeBlocks()+referenced)
}

func TestPrefixAllocatorBookkeepingStaysExact(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	requireBookkeepingExact(t, a)

	h1, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	requireBookkeepingExact(t, a)

	h2 := a.Fork(h1)
	requireBookkeepingExact(t, a)

	h3, err := a.AllocateMutable(h1)
	require.NoError(t, err)
	_, _, err = a.AppendTokenIDs(h3, []int{5, 6})
	require.NoError(t, err)
	requireBookkeepingExact(t, a)

	a.Free(h3)
	a.Free(h2)
	requireBookkeepingExact(t, a)
	a.Free(h1)
	requireBookkeepingExact(t, a)
	require.Equal(t, 4, a.NumFreeBlocks())
}

func TestForkThenFreeRestoresRefcounts(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	h, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	idx := a.PhysicalIndex(h)
	require.Equal(t, 1, a.refcounts.Get(idx))

	f1 := a.Fork(h)
	f2 := a.Fork(h)
	require.Equal(t, 3, a.refcounts.Get(idx))

	a.Free(f1)
	a.Free(f2)
	require.Equal(t, 1, a.refcounts.Get(idx))
}

func TestPromotionRedirectsToLiveCachedBlock(t *testing.T) {
	a := NewPrefixCachingBlockAllocator(4, 4)
	cached, _, err := a.AllocateImmutable(NoBlock, []int{1, 2, 3, 4})
	require.NoError(t, err)
	freeBefore := a.NumFreeBlocks()

	mutable, err := a.AllocateMutable(NoBlock)
	require.NoError(t, err)
	mutablePhys := a.PhysicalIndex(mutable)
	redirected, cow, err := a.AppendTokenIDs(mutable, []int{1, 2, 3, 4})
	require.NoError(t, err)

	require.Equal(t, cached, redirected, "filling to already-cached content rebinds to the cached block")
	require.NotNil(t, cow)
	require.Equal(t, mutablePhys, cow.SrcPhysicalIndex)
	require.Equal(t, a.PhysicalIndex(cached), cow.DstPhysicalIndex)
	require.Equal(t, freeBefore, a.NumFreeBlocks(), "the abandoned slot returns to the free pool")
}
