package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ContentHash derives a prefix-cache key as a pure function of whether
// this is a sequence's first block, its predecessor's hash, and this
// block's token ids. Keeping it a pure function of these inputs (rather
// than tied to a live predecessor handle) is what lets a block keep its
// identity across a device move: CpuGpuBlockAllocator.MoveBlock is handed
// the same hash to look up (or re-adopt) the matching block
// on the destination tier without needing the original handle chain to
// still exist there.
func ContentHash(isFirst bool, prevHash string, tokenIDs []int) string {
	var sb strings.Builder
	if isFirst {
		sb.WriteString("F|")
	} else {
		sb.WriteString(prevHash)
		sb.WriteByte('|')
	}
	for i, t := range tokenIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(t))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// PrefixCachingBlockAllocator dedups full blocks by content hash: two
// sequences (or a sequence and its own resumed prefix) whose first N
// tokens are identical share one physical block instead of each holding
// a copy. A freed, content-complete block is not released immediately;
// it is handed to an Evictor so a later cache hit can reclaim it without
// recomputation.
type PrefixCachingBlockAllocator struct {
	blockAllocatorCore
	evictor      *Evictor
	hashToHandle map[string]BlockHandle
	clock        int64
}

func NewPrefixCachingBlockAllocator(blockSize, numBlocks int) *PrefixCachingBlockAllocator {
	return &PrefixCachingBlockAllocator{
		blockAllocatorCore: newBlockAllocatorCore(blockSize, numBlocks),
		evictor:            NewEvictor(),
		hashToHandle:       make(map[string]BlockHandle),
	}
}

// SetClock advances the logical clock used to timestamp free blocks for
// LRU ordering; callers should call this once per scheduler step before
// any Free calls in that step.
func (a *PrefixCachingBlockAllocator) SetClock(t int64) {
	a.clock = t
}

func (a *PrefixCachingBlockAllocator) NumFreeBlocks() int {
	return a.arena.numFreeSlots() + a.evictor.NumBlocks()
}

// AllocateMutable reserves a new, empty, appendable block. It never
// participates in prefix-cache dedup -- only full, hashed blocks do.
func (a *PrefixCachingBlockAllocator) AllocateMutable(prev BlockHandle) (BlockHandle, error) {
	return a.allocateFresh(prev)
}

// AllocateImmutable returns a block holding exactly tokenIDs. If a block
// with the same (predecessor hash, tokenIDs) already exists -- free or
// in use -- it is reused and hit reports true; otherwise a fresh block
// is allocated, hashed, and registered for future hits.
func (a *PrefixCachingBlockAllocator) AllocateImmutable(prev BlockHandle, tokenIDs []int) (BlockHandle, bool, error) {
	isFirst := prev.IsNone()
	prevHash := ""
	prevHashed := 0
	if !isFirst {
		prevSlot := a.arena.get(prev)
		prevHash = prevSlot.contentHash
		prevHashed = prevSlot.numHashedTokens
	}
	hash := ContentHash(isFirst, prevHash, tokenIDs)

	if h, ok := a.hashToHandle[hash]; ok && a.arena.valid(h) {
		slot := a.arena.get(h)
		if a.refcounts.Get(slot.physicalIndex) == 0 {
			a.evictor.Remove(slot.physicalIndex)
		}
		a.refcounts.Incr(slot.physicalIndex)
		return h, true, nil
	}

	h, err := a.allocateFresh(prev)
	if err != nil {
		return NoBlock, false, err
	}
	if _, _, err := a.appendTokenIDsCOW(h, tokenIDs); err != nil {
		a.Free(h)
		return NoBlock, false, err
	}
	slot := a.arena.get(h)
	slot.contentHash = hash
	slot.numHashedTokens = prevHashed + len(tokenIDs)
	a.hashToHandle[hash] = h
	return h, false, nil
}

// AdoptHashed re-creates (or reuses, on a cache hit) a block with a
// caller-supplied hash and hashed-token count rather than recomputing
// them -- used by CpuGpuBlockAllocator.MoveBlock to move a block's
// logical identity across the device boundary without recomputing its
// content hash from scratch.
func (a *PrefixCachingBlockAllocator) AdoptHashed(prev BlockHandle, tokenIDs []int, hash string, numHashedTokens int) (BlockHandle, bool, error) {
	if h, ok := a.hashToHandle[hash]; ok && a.arena.valid(h) {
		slot := a.arena.get(h)
		if a.refcounts.Get(slot.physicalIndex) == 0 {
			a.evictor.Remove(slot.physicalIndex)
		}
		a.refcounts.Incr(slot.physicalIndex)
		return h, true, nil
	}
	h, err := a.allocateFresh(prev)
	if err != nil {
		return NoBlock, false, err
	}
	if _, _, err := a.appendTokenIDsCOW(h, tokenIDs); err != nil {
		a.Free(h)
		return NoBlock, false, err
	}
	slot := a.arena.get(h)
	slot.contentHash = hash
	slot.numHashedTokens = numHashedTokens
	a.hashToHandle[hash] = h
	return h, false, nil
}

// AppendTokenIDs appends to a mutable block (copy-on-writing first if it
// is shared) and, if the block just became full, promotes it into the
// content cache. A promotion that discovers the same content already
// cached in a live block redirects to that block and reports the
// redirect as a CowWrite so the executor copies the freshly written slot
// over the cached one's storage.
func (a *PrefixCachingBlockAllocator) AppendTokenIDs(h BlockHandle, tokenIDs []int) (BlockHandle, *CowWrite, error) {
	if a.refcounts.Get(a.arena.get(h).physicalIndex) > 1 {
		// The append will copy-on-write into a fresh slot; make sure one
		// exists even when every never-used slot is spoken for.
		a.reclaimIfStarved()
	}
	nh, cow, err := a.appendTokenIDsCOW(h, tokenIDs)
	if err != nil {
		return nh, cow, err
	}
	nh, promo := a.promoteIfFull(nh)
	if promo != nil {
		a.cows = append(a.cows, *promo)
		cow = promo
	}
	return nh, cow, nil
}

// promoteIfFull gives a just-filled mutable block its content hash. If
// the hash is already bound to a live (refcount > 0) block, the filled
// block's slot is freed and the caller is redirected to the cached
// block, with a copy hint from the freed slot to the cached one.
// Otherwise the block itself is registered under the hash; a stale
// refcount-zero holder of the same hash is discarded from the evictor
// first so the hash maps to exactly one slot.
func (a *PrefixCachingBlockAllocator) promoteIfFull(h BlockHandle) (BlockHandle, *CowWrite) {
	slot := a.arena.get(h)
	if !slot.isFull() || slot.contentHash != "" {
		return h, nil
	}
	isFirst := slot.prev.IsNone()
	prevHash := ""
	prevHashed := 0
	if !isFirst {
		if !a.arena.valid(slot.prev) {
			return h, nil
		}
		prevSlot := a.arena.get(slot.prev)
		if prevSlot.contentHash == "" {
			return h, nil
		}
		prevHash = prevSlot.contentHash
		prevHashed = prevSlot.numHashedTokens
	}
	hash := ContentHash(isFirst, prevHash, slot.tokenIDs)

	if existing, ok := a.hashToHandle[hash]; ok && a.arena.valid(existing) && existing != h {
		exSlot := a.arena.get(existing)
		if a.refcounts.Get(exSlot.physicalIndex) > 0 {
			oldIdx := slot.physicalIndex
			a.refcounts.Incr(exSlot.physicalIndex)
			a.Free(h)
			return existing, &CowWrite{SrcPhysicalIndex: oldIdx, DstPhysicalIndex: exSlot.physicalIndex}
		}
		a.evictor.Remove(exSlot.physicalIndex)
		exSlot.contentHash = ""
		a.arena.release(uint32(exSlot.physicalIndex))
	}

	slot.contentHash = hash
	slot.numHashedTokens = prevHashed + len(slot.tokenIDs)
	a.hashToHandle[hash] = h
	return h, nil
}

// Free drops one reference to h. A block with no remaining owners is not
// returned to the free stack if it still carries a reusable content
// hash -- it is handed to the Evictor instead, so a subsequent
// AllocateImmutable/AdoptHashed cache hit can reclaim it without
// recomputation. An unhashed (partial, mutable) block is released
// immediately, matching naive allocation.
func (a *PrefixCachingBlockAllocator) Free(h BlockHandle) {
	idx, nowFree := a.freeRefcounted(h)
	if !nowFree {
		return
	}
	slot := a.arena.get(h)
	if slot.contentHash == "" {
		a.arena.release(uint32(idx))
		return
	}
	a.evictor.Add(idx, a.clock, slot.numHashedTokens)
}

func (a *PrefixCachingBlockAllocator) AllBlockIDs() []int {
	return a.arena.allBlockIDs()
}

// reclaimIfStarved evicts the least-recently-used cached block back to
// the arena's free stack when no never-used slot remains, dropping its
// stale hash from the cache index.
func (a *PrefixCachingBlockAllocator) reclaimIfStarved() {
	if a.arena.numFreeSlots() > 0 || a.evictor.NumBlocks() == 0 {
		return
	}
	evictedIdx, _ := a.evictor.Evict()
	evictedSlot := &a.arena.slots[evictedIdx]
	delete(a.hashToHandle, evictedSlot.contentHash)
	a.arena.release(uint32(evictedIdx))
}

// allocateFresh reserves a brand-new physical block, evicting a cached
// block first if the free stack is empty but the evictor is holding
// reclaimable ones.
func (a *PrefixCachingBlockAllocator) allocateFresh(prev BlockHandle) (BlockHandle, error) {
	a.reclaimIfStarved()
	h, err := a.arena.alloc(nil, prev)
	if err != nil {
		return NoBlock, err
	}
	a.refcounts.Incr(a.arena.get(h).physicalIndex)
	return h, nil
}
