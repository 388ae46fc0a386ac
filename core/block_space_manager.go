package core

// AllocStatus is the three-way admission verdict BlockSpaceManager gives
// the scheduler for a waiting group: OK admits it now, LATER means the
// device doesn't currently have room but might once other groups finish
// or are preempted, and NEVER means the group can never fit regardless
// of future state (its prompt alone exceeds total capacity) and should
// be dropped rather than retried.
type AllocStatus int

const (
	AllocOK AllocStatus = iota
	AllocLater
	AllocNever
)

// BlockSpaceManager is the single point of contact between the
// scheduler and block allocation: it decides whether a group can be
// admitted or extended, and performs the allocate/append/fork/swap
// operations that mutate block tables.
type BlockSpaceManager struct {
	cfg   BlockManagerConfig
	alloc *CpuGpuBlockAllocator
	clock int64
}

func NewBlockSpaceManager(cfg BlockManagerConfig) *BlockSpaceManager {
	cfg.Normalize()
	return &BlockSpaceManager{
		cfg:   cfg,
		alloc: NewCpuGpuBlockAllocator(cfg.AllocatorKind, cfg.BlockSize, cfg.NumGPUBlocks, cfg.NumCPUBlocks),
	}
}

func (m *BlockSpaceManager) Tick(clock int64) {
	m.clock = clock
	m.alloc.SetClock(clock)
}

func (m *BlockSpaceManager) requiredBlocksFor(g *SequenceGroup) int {
	seq := g.Seqs[0]
	n := m.cfg.BlockSize
	required := (len(seq.TokenIDs) + n - 1) / n
	if w := m.cfg.BlockSlidingWindow(); w > 0 && required > w {
		required = w
	}
	return required
}

// CanAllocate reports whether g's prompt can be admitted onto the GPU
// tier right now (AllocOK), might fit later (AllocLater), or never will
// (AllocNever) -- ported from BlockSpaceManager.can_allocate.
func (m *BlockSpaceManager) CanAllocate(g *SequenceGroup) AllocStatus {
	required := m.requiredBlocksFor(g)
	numTotal := m.alloc.NumTotalBlocks(GPU)
	numFree := m.alloc.NumFreeBlocks(GPU)
	watermark := m.cfg.WatermarkBlocks()

	if numTotal-required < watermark {
		return AllocNever
	}
	if numFree-required >= watermark {
		return AllocOK
	}
	return AllocLater
}

// Allocate builds the block table for g's sequence(s) from their prompt
// tokens. All sequences in the group start from the same prompt, so only
// the first sequence actually allocates; the rest fork from it.
func (m *BlockSpaceManager) Allocate(g *SequenceGroup) error {
	first := g.Seqs[0]
	bt := NewBlockTable(m.alloc, GPU)
	if err := bt.AllocateFromTokens(first.TokenIDs); err != nil {
		return err
	}
	first.BlockTable = bt
	first.BlockLen = len(first.TokenIDs)
	for _, s := range g.Seqs[1:] {
		s.BlockTable = bt.Fork()
		s.BlockLen = first.BlockLen
	}
	return nil
}

// CanAppendSlots reports whether a decode step for g is safe to
// reserve: in the worst case every running sequence's next token starts
// a fresh block, so one free GPU block per running sequence must be
// available.
func (m *BlockSpaceManager) CanAppendSlots(g *SequenceGroup) bool {
	return m.alloc.NumFreeBlocks(GPU) >= g.NumSeqs(StatusRunning)
}

// AppendSlot pushes seq's pending tokens into its block chain,
// allocating a fresh block if the last one was full. It returns the
// copy-on-write triggered, if any.
func (m *BlockSpaceManager) AppendSlot(seq *Sequence) (*CowWrite, error) {
	pending := seq.PendingTokenIDs()
	if len(pending) == 0 {
		return nil, nil
	}
	_, cow, err := seq.BlockTable.AppendTokenIDs(pending)
	if err != nil {
		return nil, err
	}
	seq.BlockLen = len(seq.TokenIDs)
	return cow, nil
}

// Fork gives child a block table sharing every block of parent's,
// refcounted accordingly. No new allocation occurs.
func (m *BlockSpaceManager) Fork(parent, child *Sequence) {
	child.BlockTable = parent.BlockTable.Fork()
}

func (m *BlockSpaceManager) Free(seq *Sequence) {
	if seq.BlockTable == nil {
		return
	}
	seq.BlockTable.Free()
	seq.BlockTable = nil
}

func (m *BlockSpaceManager) GetNumFreeGPUBlocks() int {
	return m.alloc.NumFreeBlocks(GPU)
}

func (m *BlockSpaceManager) GetNumFreeCPUBlocks() int {
	return m.alloc.NumFreeBlocks(CPU)
}

// numUniquePhysicalBlocks counts the distinct physical blocks held by
// g's sequences in the given status. Forked sequences share blocks, so
// a per-sequence sum would double-count what a swap actually moves.
func (m *BlockSpaceManager) numUniquePhysicalBlocks(g *SequenceGroup, status SequenceStatus) int {
	seen := make(map[int]bool)
	for _, s := range g.GetSeqs(status) {
		if s.BlockTable == nil {
			continue
		}
		for _, id := range s.BlockTable.PhysicalBlockIDs() {
			seen[id] = true
		}
	}
	return len(seen)
}

// CanSwapIn reports whether g's CPU-resident blocks fit back on the GPU
// right now: the distinct blocks it holds, plus one extra per swapped
// sequence (each may need a fresh block for its next appended token),
// without dipping into the watermark reserve.
func (m *BlockSpaceManager) CanSwapIn(g *SequenceGroup) bool {
	required := m.numUniquePhysicalBlocks(g, StatusSwapped) + g.NumSeqs(StatusSwapped)
	return m.alloc.NumFreeBlocks(GPU)-required >= m.cfg.WatermarkBlocks()
}

// SwapIn moves every swapped sequence of g from CPU back to GPU and
// returns the cpu-to-gpu physical block mapping the executor must
// transfer. Blocks shared by forked sequences are moved once and
// re-referenced by the rest.
func (m *BlockSpaceManager) SwapIn(g *SequenceGroup) (map[int]int, error) {
	mapping := make(map[int]DeviceBlockHandle)
	for _, s := range g.GetSeqs(StatusSwapped) {
		if err := s.BlockTable.MoveTo(GPU, mapping); err != nil {
			return nil, err
		}
	}
	out := make(map[int]int, len(mapping))
	for src, h := range mapping {
		out[src] = m.alloc.PhysicalIndex(h)
	}
	return out, nil
}

// CanSwapOut reports whether g's distinct GPU blocks fit in the CPU
// tier's free space.
func (m *BlockSpaceManager) CanSwapOut(g *SequenceGroup) bool {
	return m.numUniquePhysicalBlocks(g, StatusRunning) <= m.alloc.NumFreeBlocks(CPU)
}

// SwapOut moves every running sequence of g from GPU to CPU and returns
// the gpu-to-cpu physical block mapping. It surfaces
// ErrSwapSpaceExhausted when the CPU tier cannot hold the group, which
// the scheduler treats as a fatal misconfiguration of swap space.
func (m *BlockSpaceManager) SwapOut(g *SequenceGroup) (map[int]int, error) {
	if !m.CanSwapOut(g) {
		return nil, ErrSwapSpaceExhausted
	}
	mapping := make(map[int]DeviceBlockHandle)
	for _, s := range g.GetSeqs(StatusRunning) {
		if err := s.BlockTable.MoveTo(CPU, mapping); err != nil {
			return nil, err
		}
	}
	out := make(map[int]int, len(mapping))
	for src, h := range mapping {
		out[src] = m.alloc.PhysicalIndex(h)
	}
	return out, nil
}

// AccessAllBlocksInSeq sets the manager's and the allocator's clock to
// now -- called when a running sequence is touched by a step. Blocks keep
// no per-block access time while referenced; a block is stamped with the
// allocator clock when it is freed into the evictor, so seq itself is not
// consulted.
func (m *BlockSpaceManager) AccessAllBlocksInSeq(seq *Sequence, now int64) {
	m.clock = now
	m.alloc.SetClock(now)
}

// ComputeLastFullBlockInSeq marks the single block that just became
// fully token-filled as computed -- the lazy computed-bit policy.
func (m *BlockSpaceManager) ComputeLastFullBlockInSeq(seq *Sequence) {
	seq.BlockTable.MarkLastFullBlockComputed(seq.Len())
}

// MarkBlocksAsComputed records, for every running sequence of g, that
// its last fully-filled block's KV entries now exist on device --
// called after the executor finishes a step. A no-op without prefix
// caching, where computed state is never consulted.
func (m *BlockSpaceManager) MarkBlocksAsComputed(g *SequenceGroup) {
	if m.cfg.AllocatorKind != KindPrefixCaching {
		return
	}
	for _, s := range g.GetSeqs(StatusRunning) {
		if s.BlockTable != nil {
			s.BlockTable.MarkLastFullBlockComputed(s.Len())
		}
	}
}

// GetAllBlockIDsTillComputed returns the physical block ids of seq's
// maximal computed prefix.
func (m *BlockSpaceManager) GetAllBlockIDsTillComputed(seq *Sequence) []int {
	return seq.BlockTable.ComputedPrefixBlockIDs()
}

// GetCommonComputedBlockIDs returns the block-id prefix shared by every
// sequence's computed prefix, or nil if prefix caching is disabled --
// only meaningful when blocks are content-addressed, since naive
// allocation never marks a block reusable across sequences.
func (m *BlockSpaceManager) GetCommonComputedBlockIDs(seqs []*Sequence) []int {
	if m.cfg.AllocatorKind != KindPrefixCaching || len(seqs) == 0 {
		return nil
	}
	common := m.GetAllBlockIDsTillComputed(seqs[0])
	for _, s := range seqs[1:] {
		ids := m.GetAllBlockIDsTillComputed(s)
		if len(ids) < len(common) {
			common = common[:len(ids)]
		}
		for i := range common {
			if common[i] != ids[i] {
				common = common[:i]
				break
			}
		}
	}
	return common
}

// DrainCows returns and clears every copy-on-write recorded since the
// last drain.
func (m *BlockSpaceManager) DrainCows() []CowWrite {
	return m.alloc.DrainCows()
}
