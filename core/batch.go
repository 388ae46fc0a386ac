package core

// SequenceData is one sequence's token-stream snapshot inside a
// BatchMetadata record.
type SequenceData struct {
	PromptTokenIDs    []int
	OutputTokenIDs    []int
	CumulativeLogprob float64
}

// BatchMetadata is the per-group record the executor consumes: which
// request to run, whether this step computes its prompt, every
// sequence's token snapshot and physical block list, and the sampling
// parameters to apply. PrefixRef, when non-empty, names the physical
// blocks of a prompt prefix whose KV is already computed and can be
// skipped.
type BatchMetadata struct {
	RequestID   string
	IsPrompt    bool
	SeqData     map[int64]SequenceData
	BlockTables map[int64][]int
	Sampling    SamplingParams
	PrefixRef   []int
}

// ScheduledSeqGroup pairs a group admitted into this step's batch with
// how many of its pending tokens this step will compute -- 1 for a
// decode step, the full remaining prompt (or a chunk of it, under
// chunked prefill) for a prefill step.
type ScheduledSeqGroup struct {
	Group          *SequenceGroup
	TokenChunkSize int
}

// SchedulerOutputs is the batch descriptor a step assembles: what to
// run, and what data-movement the executor must perform before running
// it. BlocksToSwapIn/Out map source physical block id to destination
// physical block id; BlocksToCopy maps a source physical block id to
// every destination physical block id it was copy-on-written into during
// this step (a block can be CoW'd into more than one place across the
// groups in a single step, hence the list).
type SchedulerOutputs struct {
	ScheduledSeqGroups []ScheduledSeqGroup
	PromptRun          bool
	NumBatchedTokens   int
	BlocksToSwapIn     map[int]int
	BlocksToSwapOut    map[int]int
	BlocksToCopy       map[int][]int
	IgnoredSeqGroups   []*SequenceGroup
}

func newSchedulerOutputs() *SchedulerOutputs {
	return &SchedulerOutputs{
		BlocksToSwapIn:  make(map[int]int),
		BlocksToSwapOut: make(map[int]int),
		BlocksToCopy:    make(map[int][]int),
	}
}

// IsEmpty reports whether this step has nothing for the executor to do.
func (o *SchedulerOutputs) IsEmpty() bool {
	return len(o.ScheduledSeqGroups) == 0 &&
		len(o.BlocksToSwapIn) == 0 &&
		len(o.BlocksToSwapOut) == 0 &&
		len(o.BlocksToCopy) == 0
}

func (o *SchedulerOutputs) addCow(c CowWrite) {
	o.BlocksToCopy[c.SrcPhysicalIndex] = append(o.BlocksToCopy[c.SrcPhysicalIndex], c.DstPhysicalIndex)
}
