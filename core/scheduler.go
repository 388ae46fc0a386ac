package core

import (
	"github.com/sirupsen/logrus"
)

// PreemptionMode is how a running group gives back its GPU blocks when
// it loses a resource contention: RECOMPUTE discards its block table
// entirely and re-enters the waiting queue to redo its prefill from
// scratch; SWAP moves its blocks to the CPU tier to resume later without
// recomputation.
type PreemptionMode int

const (
	PreemptionRecompute PreemptionMode = iota
	PreemptionSwap
)

// Scheduler is the three-queue admission controller and per-step batch
// assembler: while nothing is swapped out, waiting groups are admitted
// FCFS subject to watermark and token-budget checks (Mode A); when
// groups are swapped out, or Mode A admits and ignores nothing, running
// groups are stepped and, if GPU space runs short, the lowest-priority
// running group is preempted to make room (Mode B); if no group was
// preempted in that step, swapped groups are brought back in priority
// order as space allows.
type Scheduler struct {
	cfg     SchedulerConfig
	bm      *BlockSpaceManager
	policy  Policy
	waiting *GroupQueue
	running *GroupQueue
	swapped *GroupQueue
	clock   int64
	stepErr error
}

func NewScheduler(cfg SchedulerConfig, bm *BlockSpaceManager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		bm:      bm,
		policy:  NewPolicy(cfg.Policy),
		waiting: NewGroupQueue(),
		running: NewGroupQueue(),
		swapped: NewGroupQueue(),
	}
}

func (s *Scheduler) AddSeqGroup(g *SequenceGroup) {
	g.SetStatus(StatusWaiting)
	s.waiting.Enqueue(g)
}

// AbortSeqGroup removes requestID from whichever queue holds it, frees
// its blocks, and marks it aborted. A no-op if the request is unknown
// (already finished, or never admitted).
func (s *Scheduler) AbortSeqGroup(requestID string) {
	for _, q := range []*GroupQueue{s.waiting, s.running, s.swapped} {
		if g, ok := q.Remove(requestID); ok {
			g.SetStatus(StatusFinishedAborted)
			for _, seq := range g.Seqs {
				s.bm.Free(seq)
			}
			return
		}
	}
}

// ForkSeq registers child as a new sibling sharing parent's blocks, used
// when beam search branches a sequence mid-generation.
func (s *Scheduler) ForkSeq(parent, child *Sequence) {
	s.bm.Fork(parent, child)
}

func (s *Scheduler) HasUnfinishedSeqs() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0 || s.swapped.Len() > 0
}

func (s *Scheduler) NumUnfinishedSeqGroups() int {
	return s.waiting.Len() + s.running.Len() + s.swapped.Len()
}

// FreeFinishedSeqGroups scans the running queue and releases any group
// every one of whose sequences has reached a terminal status, dropping
// it from the running queue entirely.
func (s *Scheduler) FreeFinishedSeqGroups() {
	kept := NewGroupQueue()
	for _, g := range s.running.Items() {
		if g.IsFinished() {
			for _, seq := range g.Seqs {
				s.bm.Free(seq)
			}
			continue
		}
		kept.Enqueue(g)
	}
	s.running = kept
}

// Schedule advances the clock and produces one step's batch: the
// per-group metadata records the executor consumes and the
// SchedulerOutputs descriptor of queue movements and block transfers.
// The returned error is non-nil only for conditions fatal to the engine
// (configured CPU swap space too small to hold a preempted group).
func (s *Scheduler) Schedule(now int64) ([]BatchMetadata, *SchedulerOutputs, error) {
	s.clock = now
	s.stepErr = nil
	s.bm.Tick(now)
	out := s.scheduleOnce()
	for _, cw := range s.bm.DrainCows() {
		out.addCow(cw)
	}
	return s.assembleBatch(out), out, s.stepErr
}

func (s *Scheduler) scheduleOnce() *SchedulerOutputs {
	out := newSchedulerOutputs()

	if s.swapped.Len() == 0 {
		scheduled := s.scheduleNewPrompts(out)
		if scheduled || len(out.IgnoredSeqGroups) > 0 {
			out.PromptRun = true
			return out
		}
	}

	s.scheduleRunning(out)
	return out
}

// scheduleNewPrompts implements Mode A: admit as many waiting groups as
// the block-space watermark, the padded token budget, the sequence-count
// cap and the padding-slack cap allow, in strict arrival order. Prompts
// in one batch are right-padded to the longest among them, so the
// batched-token cost of admitting k prompts is k times the longest, and
// the slack between that and the true token sum is bounded by
// MaxPaddings. It returns true iff at least one group was admitted.
func (s *Scheduler) scheduleNewPrompts(out *SchedulerOutputs) bool {
	numCurrSeqs := 0
	for _, g := range s.running.Items() {
		numCurrSeqs += len(g.Seqs)
	}
	var seqLens []int
	sumLens := 0
	maxLen := 0
	admittedAny := false

	for {
		g := s.waiting.PeekFront()
		if g == nil {
			break
		}
		numPromptTokens := len(g.Seqs[0].TokenIDs)

		if limit := s.cfg.PromptLimit(); limit > 0 && numPromptTokens > limit {
			logrus.Warnf("scheduler: ignoring %s, prompt %d tokens exceeds limit %d", g.RequestID, numPromptTokens, limit)
			s.waiting.DequeueFront()
			g.SetStatus(StatusFinishedIgnored)
			out.IgnoredSeqGroups = append(out.IgnoredSeqGroups, g)
			continue
		}

		status := s.bm.CanAllocate(g)
		if status == AllocNever {
			logrus.Warnf("scheduler: ignoring %s, prompt can never fit in block space", g.RequestID)
			s.waiting.DequeueFront()
			g.SetStatus(StatusFinishedIgnored)
			out.IgnoredSeqGroups = append(out.IgnoredSeqGroups, g)
			continue
		}
		if status == AllocLater {
			break
		}

		chunkSize := numPromptTokens
		if th := s.cfg.ChunkedPrefillTokenThreshold; th > 0 && chunkSize > th {
			chunkSize = th
		}
		newMaxLen := maxLen
		if chunkSize > newMaxLen {
			newMaxLen = chunkSize
		}
		newBatched := (len(seqLens) + 1) * newMaxLen
		if s.cfg.MaxNumBatchedTokens > 0 && newBatched > s.cfg.MaxNumBatchedTokens {
			break
		}
		numNewSeqs := len(g.Seqs)
		if s.cfg.MaxNumSeqs > 0 && numCurrSeqs+numNewSeqs > s.cfg.MaxNumSeqs {
			break
		}
		if s.cfg.MaxPaddings > 0 && newBatched-(sumLens+chunkSize) > s.cfg.MaxPaddings {
			break
		}

		s.waiting.DequeueFront()
		if err := s.bm.Allocate(g); err != nil {
			logrus.Warnf("scheduler: allocate failed for %s: %v", g.RequestID, err)
			s.waiting.PrependFront(g)
			break
		}
		g.SetStatus(StatusRunning)
		s.running.Enqueue(g)
		numCurrSeqs += numNewSeqs
		seqLens = append(seqLens, chunkSize)
		sumLens += chunkSize
		maxLen = newMaxLen
		admittedAny = true
		out.ScheduledSeqGroups = append(out.ScheduledSeqGroups, ScheduledSeqGroup{Group: g, TokenChunkSize: chunkSize})
	}

	out.NumBatchedTokens = len(seqLens) * maxLen
	return admittedAny
}

// scheduleRunning implements Mode B: every running group gets its
// pending tokens appended to its block table, preempting the
// lowest-priority running group first whenever space runs short; if no
// group was preempted during this step, swapped groups are brought back
// in priority order if room allows.
func (s *Scheduler) scheduleRunning(out *SchedulerOutputs) {
	running := s.running.Items()
	SortByPolicy(running, s.policy, s.clock)

	var stillRunning []*SequenceGroup
	anyPreempted := false

	for len(running) > 0 {
		g := running[0]
		running = running[1:]

		selfPreempted := false
		for !s.bm.CanAppendSlots(g) {
			if len(running) > 0 {
				victim := running[len(running)-1]
				running = running[:len(running)-1]
				s.preempt(victim, out)
				anyPreempted = true
				continue
			}
			s.preempt(g, out)
			anyPreempted = true
			selfPreempted = true
			break
		}
		if selfPreempted {
			continue
		}

		for _, seq := range g.GetSeqs(StatusRunning) {
			s.bm.AccessAllBlocksInSeq(seq, s.clock)
			if _, err := s.bm.AppendSlot(seq); err != nil {
				logrus.Warnf("scheduler: append_slot failed for %s: %v", g.RequestID, err)
				continue
			}
			s.bm.ComputeLastFullBlockInSeq(seq)
		}
		stillRunning = append(stillRunning, g)
		out.ScheduledSeqGroups = append(out.ScheduledSeqGroups, ScheduledSeqGroup{Group: g, TokenChunkSize: 1})
	}

	kept := NewGroupQueue()
	for _, g := range stillRunning {
		kept.Enqueue(g)
	}
	s.running = kept

	if !anyPreempted {
		s.scheduleSwapIn(out)
	}

	numBatched := 0
	for _, g := range s.running.Items() {
		numBatched += g.NumSeqs(StatusRunning)
	}
	out.NumBatchedTokens = numBatched
}

// preempt decides RECOMPUTE or SWAP for g and applies it. RECOMPUTE is
// chosen whenever g has a single sequence (recomputing its one-sequence
// prefill is cheap and never needs cross-sequence block sharing to
// reconstruct); multi-sequence groups use SWAP to avoid redoing
// expensive shared-prefix work. A configured override forces one mode
// for every preemption.
func (s *Scheduler) preempt(g *SequenceGroup, out *SchedulerOutputs) {
	mode := PreemptionSwap
	if len(g.Seqs) == 1 {
		mode = PreemptionRecompute
	}
	switch s.cfg.PreemptionModeOverride {
	case "recompute":
		mode = PreemptionRecompute
	case "swap":
		mode = PreemptionSwap
	}
	switch mode {
	case PreemptionRecompute:
		s.preemptByRecompute(g)
	case PreemptionSwap:
		s.preemptBySwap(g, out)
	}
}

func (s *Scheduler) preemptByRecompute(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		s.bm.Free(seq)
		seq.Status = StatusWaiting
		seq.BlockLen = 0
	}
	s.waiting.PrependFront(g)
}

func (s *Scheduler) preemptBySwap(g *SequenceGroup, out *SchedulerOutputs) {
	mapping, err := s.bm.SwapOut(g)
	if err != nil {
		logrus.Errorf("scheduler: cannot swap out %s: %v; CPU swap space is too small for this workload", g.RequestID, err)
		s.stepErr = err
		g.SetStatus(StatusFinishedAborted)
		for _, seq := range g.Seqs {
			s.bm.Free(seq)
		}
		return
	}
	for src, dst := range mapping {
		out.BlocksToSwapOut[src] = dst
	}
	for _, seq := range g.GetSeqs(StatusRunning) {
		seq.Status = StatusSwapped
	}
	s.swapped.Enqueue(g)
}

func (s *Scheduler) scheduleSwapIn(out *SchedulerOutputs) {
	swapped := s.swapped.Items()
	SortByPolicy(swapped, s.policy, s.clock)

	kept := NewGroupQueue()
	for _, g := range swapped {
		if !s.bm.CanSwapIn(g) {
			kept.Enqueue(g)
			continue
		}
		numNewSeqs := g.NumSeqs(StatusSwapped)
		numCurrSeqs := 0
		for _, rg := range s.running.Items() {
			numCurrSeqs += len(rg.Seqs)
		}
		if s.cfg.MaxNumSeqs > 0 && numCurrSeqs+numNewSeqs > s.cfg.MaxNumSeqs {
			kept.Enqueue(g)
			continue
		}

		mapping, err := s.bm.SwapIn(g)
		if err != nil {
			logrus.Warnf("scheduler: swap_in failed for %s: %v", g.RequestID, err)
			kept.Enqueue(g)
			continue
		}
		for src, dst := range mapping {
			out.BlocksToSwapIn[src] = dst
		}
		for _, seq := range g.GetSeqs(StatusSwapped) {
			seq.Status = StatusRunning
		}
		for _, seq := range g.GetSeqs(StatusRunning) {
			if _, err := s.bm.AppendSlot(seq); err != nil {
				logrus.Warnf("scheduler: append_slot after swap-in failed for %s: %v", g.RequestID, err)
			}
		}
		s.running.Enqueue(g)
		out.ScheduledSeqGroups = append(out.ScheduledSeqGroups, ScheduledSeqGroup{Group: g, TokenChunkSize: 1})
	}
	s.swapped = kept
}

// assembleBatch packs the per-group executor records for this step's
// scheduled groups: token-stream snapshots, physical block lists, and
// the sampling parameters to apply. For prompt runs under prefix
// caching, PrefixRef carries the already-computed shared prefix blocks
// the executor may skip.
func (s *Scheduler) assembleBatch(out *SchedulerOutputs) []BatchMetadata {
	batch := make([]BatchMetadata, 0, len(out.ScheduledSeqGroups))
	for _, sg := range out.ScheduledSeqGroups {
		g := sg.Group
		md := BatchMetadata{
			RequestID:   g.RequestID,
			IsPrompt:    out.PromptRun,
			SeqData:     make(map[int64]SequenceData),
			BlockTables: make(map[int64][]int),
			Sampling:    g.Sampling,
		}
		for _, seq := range g.GetSeqs(StatusRunning) {
			md.SeqData[seq.ID] = SequenceData{
				PromptTokenIDs:    append([]int(nil), seq.TokenIDs[:seq.PromptLen]...),
				OutputTokenIDs:    append([]int(nil), seq.OutputTokenIDs()...),
				CumulativeLogprob: seq.CumulativeLogprob,
			}
			if seq.BlockTable != nil {
				md.BlockTables[seq.ID] = seq.BlockTable.PhysicalBlockIDs()
			}
		}
		if out.PromptRun {
			md.PrefixRef = s.bm.GetCommonComputedBlockIDs(g.GetSeqs(StatusRunning))
		}
		batch = append(batch, md)
	}
	return batch
}
