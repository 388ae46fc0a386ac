package core

import "fmt"

// RefCounter tracks how many live sequences reference a given physical
// block id. A block with refcount zero is eligible for reuse by the
// allocator's free list / evictor; a block with refcount one can be
// appended to in place; a block with refcount greater than one must be
// copy-on-written before it is mutated.
type RefCounter struct {
	counts map[int]int
}

// NewRefCounter seeds every id in allBlockIDs at the given initial count.
func NewRefCounter(allBlockIDs []int, initial int) *RefCounter {
	counts := make(map[int]int, len(allBlockIDs))
	for _, id := range allBlockIDs {
		counts[id] = initial
	}
	return &RefCounter{counts: counts}
}

// Incr increments id's refcount and returns the new value.
func (r *RefCounter) Incr(id int) int {
	v, ok := r.counts[id]
	if !ok {
		panic(fmt.Sprintf("core: refcount.Incr on untracked block %d", id))
	}
	v++
	r.counts[id] = v
	return v
}

// Decr decrements id's refcount and returns the new value. Decrementing
// below zero is a programming fault.
func (r *RefCounter) Decr(id int) int {
	v, ok := r.counts[id]
	if !ok {
		panic(fmt.Sprintf("core: refcount.Decr on untracked block %d", id))
	}
	if v <= 0 {
		panic(fmt.Sprintf("core: refcount.Decr on block %d already at %d", id, v))
	}
	v--
	r.counts[id] = v
	return v
}

// Get returns id's current refcount, or 0 if the id is untracked.
func (r *RefCounter) Get(id int) int {
	return r.counts[id]
}

// Reset replaces the tracked block ids with allBlockIDs, each at the
// given initial count, for reuse after a full arena reset.
func (r *RefCounter) Reset(allBlockIDs []int, initial int) {
	r.counts = make(map[int]int, len(allBlockIDs))
	for _, id := range allBlockIDs {
		r.counts[id] = initial
	}
}

// ReadOnlyRefCounter exposes Get without Incr/Decr, for code that must
// observe refcounts without being able to mutate them.
type ReadOnlyRefCounter struct {
	inner *RefCounter
}

func (r *RefCounter) AsReadOnly() ReadOnlyRefCounter {
	return ReadOnlyRefCounter{inner: r}
}

func (r ReadOnlyRefCounter) Get(id int) int {
	return r.inner.Get(id)
}
