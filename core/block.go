package core

// BlockHandle is an opaque reference to a logical block living in some
// allocator's arena: an index into the arena's slot array plus a
// generation counter. It replaces the cyclic pointer chains (a block
// holding a live pointer to its predecessor) that a naive port would
// reach for -- walking a chain of predecessors is a sequence of arena
// lookups by handle, and a handle whose generation no longer matches its
// slot names a block that has since been freed and the slot recycled.
type BlockHandle struct {
	index      uint32
	generation uint32
}

// NoBlock is the zero-value sentinel meaning "no predecessor" / "no
// block". Generation 0 is never issued by the arena (it starts counting
// at 1), so NoBlock can never alias a live handle.
var NoBlock = BlockHandle{}

func (h BlockHandle) IsNone() bool {
	return h == NoBlock
}

func (h BlockHandle) String() string {
	if h.IsNone() {
		return "<none>"
	}
	return "block#" + itoa(int(h.index)) + "." + itoa(int(h.generation))
}

// itoa avoids importing strconv into this tiny hot-path helper twice over;
// kept local since it's the only string conversion this file needs.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// blockEntry is the data a slot in a blockArena holds for a live block.
// Allocators read and mutate it directly through the arena; nothing
// outside this package sees it.
type blockEntry struct {
	generation      uint32
	live            bool
	tokenIDs        []int
	prev            BlockHandle
	physicalIndex   int // stable block id used by RefCounter / Evictor keys
	blockSize       int
	contentHash     string // "" until the block is full and hashed
	numHashedTokens int
	computed        bool
}

func (b *blockEntry) isFull() bool {
	return len(b.tokenIDs) >= b.blockSize
}

func (b *blockEntry) numEmptySlots() int {
	return b.blockSize - len(b.tokenIDs)
}
