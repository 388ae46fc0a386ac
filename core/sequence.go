package core

// SequenceStatus is a sequence's position in its lifecycle: waiting for
// admission, actively running, swapped out to CPU, or one of the
// terminal states.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinishedStopped
	StatusFinishedLengthCapped
	StatusFinishedAborted
	StatusFinishedIgnored
)

func (s SequenceStatus) IsFinished() bool {
	return s >= StatusFinishedStopped
}

// FinishReason maps a terminal status to the string an API response
// reports, matching cacheflow's RequestOutput.finish_reason values.
func (s SequenceStatus) FinishReason() string {
	switch s {
	case StatusFinishedStopped:
		return "stop"
	case StatusFinishedLengthCapped:
		return "length"
	case StatusFinishedAborted:
		return "abort"
	default:
		// Ignored sequences report no finish reason: the request never
		// ran, so neither "stop" nor "length" applies.
		return ""
	}
}

// Sequence is one token stream belonging to a SequenceGroup: its own
// token ids and its own block table, but sharing the group's sampling
// parameters and arrival time. Most requests have exactly one Sequence;
// parallel sampling (n > 1) or beam search give a group several, forked
// from a shared prompt prefix.
type Sequence struct {
	ID         int64
	PromptLen  int
	TokenIDs   []int
	BlockTable *BlockTable
	Status     SequenceStatus
	// BlockLen is how many of TokenIDs are already reflected in
	// BlockTable; TokenIDs[BlockLen:] is what the next AppendSlot call
	// will push into the block chain.
	BlockLen          int
	CumulativeLogprob float64
	OutputLogprobs    []float64
}

// PendingTokenIDs are the tokens appended to TokenIDs (by sampling or by
// admission) since the block table was last synced.
func (s *Sequence) PendingTokenIDs() []int {
	return s.TokenIDs[s.BlockLen:]
}

func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// AppendTokenID records one sampled token and its log-probability. The
// block table is not touched here; the next AppendSlot syncs pending
// tokens into the chain.
func (s *Sequence) AppendTokenID(tokenID int, logprob float64) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.OutputLogprobs = append(s.OutputLogprobs, logprob)
	s.CumulativeLogprob += logprob
}

// OutputTokenIDs are the tokens generated after the prompt.
func (s *Sequence) OutputTokenIDs() []int {
	return s.TokenIDs[s.PromptLen:]
}

// SamplingParams carries a request's sampling options. Only N, BestOf,
// MaxTokens and UseBeamSearch influence scheduling and block
// accounting; the rest ride along untouched for the executor's sampler.
type SamplingParams struct {
	N                 int
	BestOf            int
	Temperature       float64
	TopP              float64
	TopK              int
	PresencePenalty   float64
	FrequencyPenalty  float64
	RepetitionPenalty float64
	MaxTokens         int
	Stop              []string
	StopTokenIDs      []int
	IgnoreEOS         bool
	Logprobs          int
	UseBeamSearch     bool
	LengthPenalty     float64
	EarlyStopping     bool
}

// NumSeqsRequired is how many sibling sequences a group with these
// parameters holds: best_of when it exceeds n, else n, at least one.
func (p SamplingParams) NumSeqsRequired() int {
	n := p.N
	if n < 1 {
		n = 1
	}
	if p.BestOf > n {
		return p.BestOf
	}
	return n
}

// IsStopToken reports whether tokenID terminates generation.
func (p SamplingParams) IsStopToken(tokenID int) bool {
	if p.IgnoreEOS {
		return false
	}
	for _, t := range p.StopTokenIDs {
		if t == tokenID {
			return true
		}
	}
	return false
}

// SequenceGroup is one admitted request: one or more Sequences sharing a
// prompt, plus the group-level metadata the scheduler and block-space
// manager key off of.
type SequenceGroup struct {
	RequestID   string
	Prompt      []int
	Seqs        []*Sequence
	Sampling    SamplingParams
	ArrivalTime int64
	Priority    float64
}

func NewSequenceGroup(requestID string, prompt []int, sampling SamplingParams, arrivalTime int64) *SequenceGroup {
	return &SequenceGroup{
		RequestID:   requestID,
		Prompt:      prompt,
		Sampling:    sampling,
		ArrivalTime: arrivalTime,
	}
}

func (g *SequenceGroup) IsPrefill() bool {
	for _, s := range g.Seqs {
		if s.Len() == len(g.Prompt) {
			return true
		}
	}
	return false
}

func (g *SequenceGroup) NumSeqs(status SequenceStatus) int {
	n := 0
	for _, s := range g.Seqs {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (g *SequenceGroup) GetSeqs(status SequenceStatus) []*Sequence {
	var out []*Sequence
	for _, s := range g.Seqs {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func (g *SequenceGroup) IsFinished() bool {
	for _, s := range g.Seqs {
		if !s.Status.IsFinished() {
			return false
		}
	}
	return len(g.Seqs) > 0
}

func (g *SequenceGroup) SetStatus(status SequenceStatus) {
	for _, s := range g.Seqs {
		if !s.Status.IsFinished() {
			s.Status = status
		}
	}
}
