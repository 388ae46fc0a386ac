package core

// CowWrite records one copy-on-write: the executor must physically copy
// the contents of SrcPhysicalIndex into DstPhysicalIndex before the
// consuming sequence's next forward pass. The scheduler accumulates these
// into the batch descriptor's BlocksToCopy map.
type CowWrite struct {
	SrcPhysicalIndex int
	DstPhysicalIndex int
}

// blockAllocatorCore holds the state and operations common to
// NaiveBlockAllocator and PrefixCachingBlockAllocator: the arena, the
// refcount table, and copy-on-write accounting. Both allocator types
// embed it and add their own AllocateMutable / AllocateImmutable / Free,
// which differ only in whether content hashing and dedup are in play.
type blockAllocatorCore struct {
	arena     *blockArena
	refcounts *RefCounter
	cows      []CowWrite
}

func newBlockAllocatorCore(blockSize, capacity int) blockAllocatorCore {
	arena := newBlockArena(blockSize, capacity)
	return blockAllocatorCore{
		arena:     arena,
		refcounts: NewRefCounter(arena.allBlockIDs(), 0),
	}
}

func (c *blockAllocatorCore) BlockSize() int {
	return c.arena.blockSize
}

func (c *blockAllocatorCore) NumFreeBlocks() int {
	return c.arena.numFreeSlots()
}

func (c *blockAllocatorCore) NumTotalBlocks() int {
	return c.arena.capacity()
}

func (c *blockAllocatorCore) TokenIDs(h BlockHandle) []int {
	return c.arena.get(h).tokenIDs
}

func (c *blockAllocatorCore) IsFull(h BlockHandle) bool {
	return c.arena.get(h).isFull()
}

func (c *blockAllocatorCore) Predecessor(h BlockHandle) BlockHandle {
	return c.arena.get(h).prev
}

func (c *blockAllocatorCore) PhysicalIndex(h BlockHandle) int {
	return c.arena.get(h).physicalIndex
}

func (c *blockAllocatorCore) IsComputed(h BlockHandle) bool {
	return c.arena.get(h).computed
}

func (c *blockAllocatorCore) SetComputed(h BlockHandle, v bool) {
	c.arena.get(h).computed = v
}

// Fork registers an additional owner of h's physical block without
// allocating new storage -- used when a sequence group forks (beam
// search / parallel sampling) and its new member initially shares every
// block of its parent's block table.
func (c *blockAllocatorCore) Fork(h BlockHandle) BlockHandle {
	slot := c.arena.get(h)
	if c.refcounts.Get(slot.physicalIndex) < 1 {
		panic("core: cannot fork a block that is not allocated")
	}
	c.refcounts.Incr(slot.physicalIndex)
	return h
}

// appendTokenIDsCOW appends tokenIDs to h's block, copy-on-writing into a
// fresh physical block first if h is currently shared by more than one
// owner. It returns the handle the caller should use from now on (equal
// to h when no copy happened) and, when a copy did happen, the CowWrite
// describing it.
func (c *blockAllocatorCore) appendTokenIDsCOW(h BlockHandle, tokenIDs []int) (BlockHandle, *CowWrite, error) {
	slot := c.arena.get(h)
	if len(tokenIDs) > slot.numEmptySlots() {
		return h, nil, errAppendOverflow
	}
	if c.refcounts.Get(slot.physicalIndex) <= 1 {
		slot.tokenIDs = append(slot.tokenIDs, tokenIDs...)
		return h, nil, nil
	}
	newTokens := append(append([]int(nil), slot.tokenIDs...), tokenIDs...)
	newHandle, err := c.arena.alloc(newTokens, slot.prev)
	if err != nil {
		return h, nil, err
	}
	newSlot := c.arena.get(newHandle)
	c.refcounts.Incr(newSlot.physicalIndex)
	c.refcounts.Decr(slot.physicalIndex)
	cow := CowWrite{SrcPhysicalIndex: slot.physicalIndex, DstPhysicalIndex: newSlot.physicalIndex}
	c.cows = append(c.cows, cow)
	return newHandle, &cow, nil
}

// DrainCows returns and clears every copy-on-write recorded since the
// last drain, for the scheduler to fold into a step's BlocksToCopy map.
func (c *blockAllocatorCore) DrainCows() []CowWrite {
	out := c.cows
	c.cows = nil
	return out
}

// freeRefcounted decrements h's refcount and reports whether it reached
// zero (the block is now unreferenced and the concrete allocator should
// decide what to do with the slot: return it to the arena's free stack
// directly, or hand it to an Evictor first).
func (c *blockAllocatorCore) freeRefcounted(h BlockHandle) (physicalIndex int, nowFree bool) {
	slot := c.arena.get(h)
	physicalIndex = slot.physicalIndex
	return physicalIndex, c.refcounts.Decr(physicalIndex) == 0
}
