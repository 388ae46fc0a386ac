package core

// NaiveBlockAllocator manages one device's blocks with no content-based
// reuse: every AllocateImmutable call allocates fresh storage even if an
// identical token prefix already lives in another block. It is the
// allocator used when prefix caching is disabled.
type NaiveBlockAllocator struct {
	blockAllocatorCore
}

func NewNaiveBlockAllocator(blockSize, numBlocks int) *NaiveBlockAllocator {
	return &NaiveBlockAllocator{blockAllocatorCore: newBlockAllocatorCore(blockSize, numBlocks)}
}

// AllocateMutable reserves a new, empty, appendable block whose
// predecessor in the logical chain is prev (NoBlock for the first block
// of a sequence).
func (a *NaiveBlockAllocator) AllocateMutable(prev BlockHandle) (BlockHandle, error) {
	h, err := a.arena.alloc(nil, prev)
	if err != nil {
		return NoBlock, err
	}
	a.refcounts.Incr(a.arena.get(h).physicalIndex)
	return h, nil
}

// AllocateImmutable reserves a new block and fills it with tokenIDs in
// one step; tokenIDs must fit within a single block. The bool return is
// always false -- NaiveBlockAllocator never dedups by content -- and
// exists only so NaiveBlockAllocator and PrefixCachingBlockAllocator
// share the BlockAllocator interface.
func (a *NaiveBlockAllocator) AllocateImmutable(prev BlockHandle, tokenIDs []int) (BlockHandle, bool, error) {
	h, err := a.AllocateMutable(prev)
	if err != nil {
		return NoBlock, false, err
	}
	if _, _, err := a.appendTokenIDsCOW(h, tokenIDs); err != nil {
		a.Free(h)
		return NoBlock, false, err
	}
	return h, false, nil
}

// AppendTokenIDs appends to an already-allocated mutable block,
// copy-on-writing it first if it is shared by more than one owner
// (i.e. by more than one forked sequence).
func (a *NaiveBlockAllocator) AppendTokenIDs(h BlockHandle, tokenIDs []int) (BlockHandle, *CowWrite, error) {
	return a.appendTokenIDsCOW(h, tokenIDs)
}

// Free drops one reference to h; once its refcount reaches zero the
// physical slot returns directly to the arena's free stack -- naive
// allocation has no content cache to preserve it for.
func (a *NaiveBlockAllocator) Free(h BlockHandle) {
	idx, nowFree := a.freeRefcounted(h)
	if nowFree {
		a.arena.release(uint32(idx))
	}
}

func (a *NaiveBlockAllocator) AllBlockIDs() []int {
	return a.arena.allBlockIDs()
}
