package core

// BlockTable is a sequence's logical-to-physical block chain: an ordered
// slice of device block handles, oldest token range first. It is the
// Go-side analogue of walking a linked chain of Block objects -- here
// "walking the chain" is just indexing the slice, since the arena
// handles already encode the reuse relationship (two block tables can
// share a handle after a fork, and CoW gives the appending one a new
// handle transparently).
type BlockTable struct {
	alloc     *CpuGpuBlockAllocator
	blockSize int
	device    Device
	blocks    []DeviceBlockHandle
}

func NewBlockTable(alloc *CpuGpuBlockAllocator, device Device) *BlockTable {
	return &BlockTable{alloc: alloc, blockSize: alloc.BlockSize(), device: device}
}

func (t *BlockTable) Device() Device {
	return t.device
}

func (t *BlockTable) NumBlocks() int {
	return len(t.blocks)
}

// NumRequiredBlocks returns how many blocks are needed to hold numTokens
// tokens, given block_size.
func (t *BlockTable) NumRequiredBlocks(numTokens int) int {
	if numTokens == 0 {
		return 0
	}
	return (numTokens + t.blockSize - 1) / t.blockSize
}

// PhysicalBlockIDs returns the physical block id of every block in the
// chain, oldest first -- what an executor addresses paged KV storage
// with.
func (t *BlockTable) PhysicalBlockIDs() []int {
	ids := make([]int, len(t.blocks))
	for i, h := range t.blocks {
		ids[i] = t.alloc.PhysicalIndex(h)
	}
	return ids
}

// AllocateFromTokens builds the block chain for a brand-new sequence's
// prompt: every full block is allocated via AllocateImmutable (so
// identical prefixes dedup under prefix caching), and a trailing partial
// block, if any, is allocated mutable and appended to directly.
func (t *BlockTable) AllocateFromTokens(tokenIDs []int) error {
	var prev DeviceBlockHandle
	i := 0
	for i+t.blockSize <= len(tokenIDs) {
		h, _, err := t.alloc.AllocateImmutable(t.device, prev, tokenIDs[i:i+t.blockSize])
		if err != nil {
			return err
		}
		t.blocks = append(t.blocks, h)
		prev = h
		i += t.blockSize
	}
	if i < len(tokenIDs) {
		h, err := t.alloc.AllocateMutable(t.device, prev)
		if err != nil {
			return err
		}
		h, _, err = t.alloc.AppendTokenIDs(h, tokenIDs[i:])
		if err != nil {
			return err
		}
		t.blocks = append(t.blocks, h)
	}
	return nil
}

// AppendTokenIDs appends newly-generated tokens to the chain, allocating
// a fresh trailing block whenever the current last block is full or the
// chain is empty. It reports whether a new block was allocated and any
// copy-on-write the append triggered.
func (t *BlockTable) AppendTokenIDs(tokenIDs []int) (allocatedNewBlock bool, cow *CowWrite, err error) {
	for len(tokenIDs) > 0 {
		if len(t.blocks) == 0 || t.alloc.IsFull(t.blocks[len(t.blocks)-1]) {
			var prev DeviceBlockHandle
			if len(t.blocks) > 0 {
				prev = t.blocks[len(t.blocks)-1]
			}
			h, aerr := t.alloc.AllocateMutable(t.device, prev)
			if aerr != nil {
				return allocatedNewBlock, cow, aerr
			}
			t.blocks = append(t.blocks, h)
			allocatedNewBlock = true
		}
		last := t.blocks[len(t.blocks)-1]
		free := t.blockSize - len(t.alloc.TokenIDs(last))
		n := free
		if n > len(tokenIDs) {
			n = len(tokenIDs)
		}
		newH, c, aerr := t.alloc.AppendTokenIDs(last, tokenIDs[:n])
		if aerr != nil {
			return allocatedNewBlock, cow, aerr
		}
		t.blocks[len(t.blocks)-1] = newH
		if c != nil {
			cow = c
		}
		tokenIDs = tokenIDs[n:]
	}
	return allocatedNewBlock, cow, nil
}

// NeedsNewBlockForAppend reports whether appending one more token would
// require a fresh block allocation, without mutating state.
func (t *BlockTable) NeedsNewBlockForAppend() bool {
	return len(t.blocks) == 0 || t.alloc.IsFull(t.blocks[len(t.blocks)-1])
}

// Fork returns a new BlockTable sharing every block in the chain with t,
// each with its refcount bumped. No new physical storage is allocated;
// a later append by either table's owner copy-on-writes independently.
func (t *BlockTable) Fork() *BlockTable {
	nt := &BlockTable{alloc: t.alloc, blockSize: t.blockSize, device: t.device}
	nt.blocks = make([]DeviceBlockHandle, len(t.blocks))
	for i, h := range t.blocks {
		nt.blocks[i] = t.alloc.Fork(h)
	}
	return nt
}

// Free releases every block in the chain, most-recently-allocated first.
// Under prefix caching, blocks freed in the same step share one LRU
// timestamp; the tail block enters the evictor first and, hashing the
// longest prefix, is the first of them the evictor reclaims.
func (t *BlockTable) Free() {
	for i := len(t.blocks) - 1; i >= 0; i-- {
		t.alloc.Free(t.blocks[i])
	}
	t.blocks = nil
}

// MoveTo relocates every block in the chain to device d, in chain order
// so each destination predecessor is available for the next block's
// move. mapping accumulates source physical id -> destination handle
// across calls: when several forked sequences of one group share blocks,
// the first sequence to move a shared block records the destination and
// later sequences re-reference it (refcount bump) instead of allocating
// a duplicate. Pass nil to move a lone table.
func (t *BlockTable) MoveTo(d Device, mapping map[int]DeviceBlockHandle) error {
	if mapping == nil {
		mapping = make(map[int]DeviceBlockHandle)
	}
	var destPrev DeviceBlockHandle
	moved := make([]DeviceBlockHandle, 0, len(t.blocks))
	for _, h := range t.blocks {
		src := t.alloc.PhysicalIndex(h)
		if dst, ok := mapping[src]; ok {
			nh := t.alloc.Fork(dst)
			t.alloc.Free(h)
			moved = append(moved, nh)
			destPrev = nh
			continue
		}
		nh, err := t.alloc.MoveBlock(h, d, destPrev)
		if err != nil {
			return err
		}
		mapping[src] = nh
		moved = append(moved, nh)
		destPrev = nh
	}
	t.blocks = moved
	t.device = d
	return nil
}

// ComputedPrefixBlockIDs returns the physical block ids of the chain up
// to and including the last block marked computed, found by a backward
// scan (nil when no block is marked) -- mirroring
// get_all_block_ids_till_computed.
func (t *BlockTable) ComputedPrefixBlockIDs() []int {
	highest := -1
	for i := len(t.blocks) - 1; i >= 0; i-- {
		if t.alloc.IsComputed(t.blocks[i]) {
			highest = i
			break
		}
	}
	if highest < 0 {
		return nil
	}
	return t.PhysicalBlockIDs()[:highest+1]
}

// MarkLastFullBlockComputed marks the last fully-token-filled block
// (given the sequence now has seqLen tokens) as computed -- the lazy
// computed-bit policy: a block is only ever marked on demand, for the
// single block that just became full, never eagerly for a whole chain.
func (t *BlockTable) MarkLastFullBlockComputed(seqLen int) {
	maxFull := seqLen/t.blockSize - 1
	if maxFull < 0 || maxFull >= len(t.blocks) {
		return
	}
	t.alloc.SetComputed(t.blocks[maxFull], true)
}
