package core

// blockArena owns a fixed number of block slots for one allocator. It is
// the single owning store backing a handle-based block design: allocators
// never hand out pointers into it, only BlockHandle values,
// and every traversal (walking a predecessor chain, forking a block
// table) is a lookup back through get.
//
// Free slots are tracked with a slice used as a stack rather than a map,
// so that allocation order -- and therefore which physical block id a
// given allocation receives -- is deterministic and reproducible across
// runs, independent of Go's randomized map iteration order.
type blockArena struct {
	blockSize int
	slots     []blockEntry
	freeStack []uint32
}

func newBlockArena(blockSize, capacity int) *blockArena {
	a := &blockArena{
		blockSize: blockSize,
		slots:     make([]blockEntry, capacity),
		freeStack: make([]uint32, capacity),
	}
	for i := 0; i < capacity; i++ {
		a.slots[i].physicalIndex = i
		a.slots[i].blockSize = blockSize
		// Push in descending order so popping from the back yields
		// ascending physical indices: 0, 1, 2, ...
		a.freeStack[i] = uint32(capacity - 1 - i)
	}
	return a
}

func (a *blockArena) capacity() int {
	return len(a.slots)
}

func (a *blockArena) numFreeSlots() int {
	return len(a.freeStack)
}

// allBlockIDs returns every physical block id in the arena, used to seed
// a RefCounter.
func (a *blockArena) allBlockIDs() []int {
	ids := make([]int, len(a.slots))
	for i := range a.slots {
		ids[i] = i
	}
	return ids
}

// alloc reserves a free slot, populates it, and returns its handle. It
// returns ErrNoFreeBlocks if the arena is exhausted.
func (a *blockArena) alloc(tokenIDs []int, prev BlockHandle) (BlockHandle, error) {
	if len(a.freeStack) == 0 {
		return NoBlock, ErrNoFreeBlocks
	}
	idx := a.freeStack[len(a.freeStack)-1]
	a.freeStack = a.freeStack[:len(a.freeStack)-1]

	slot := &a.slots[idx]
	slot.generation++
	slot.live = true
	slot.tokenIDs = append([]int(nil), tokenIDs...)
	slot.prev = prev
	slot.contentHash = ""
	slot.numHashedTokens = 0
	slot.computed = false

	return BlockHandle{index: idx, generation: slot.generation}, nil
}

// release returns a slot to the free stack without validating generation
// (callers that already hold a *blockEntry from get use this once they
// are done with it).
func (a *blockArena) release(idx uint32) {
	a.slots[idx].live = false
	a.slots[idx].tokenIDs = nil
	a.slots[idx].prev = NoBlock
	a.freeStack = append(a.freeStack, idx)
}

// free validates h and returns its slot to the free stack.
func (a *blockArena) free(h BlockHandle) {
	a.get(h) // validates
	a.release(h.index)
}

// get resolves h to its live slot, panicking if h is stale -- a mismatch
// between h's generation and the slot's current generation means the
// block it named has since been freed and the slot recycled, which is a
// programming fault in this package's callers, not a condition external
// callers should branch on.
func (a *blockArena) get(h BlockHandle) *blockEntry {
	if h.IsNone() {
		panic("core: arena.get on NoBlock handle")
	}
	if int(h.index) >= len(a.slots) {
		panic("core: arena.get on out-of-range handle")
	}
	slot := &a.slots[h.index]
	if !slot.live || slot.generation != h.generation {
		panic("core: " + ErrStaleHandle.Error())
	}
	return slot
}

// valid reports whether h currently resolves to a live slot, without
// panicking -- used where staleness is an expected, checkable condition
// (e.g. validating a handle received from outside the allocator).
func (a *blockArena) valid(h BlockHandle) bool {
	if h.IsNone() || int(h.index) >= len(a.slots) {
		return false
	}
	slot := &a.slots[h.index]
	return slot.live && slot.generation == h.generation
}
