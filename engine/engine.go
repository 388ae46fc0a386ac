package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pagedkv/pagedkv/core"
)

// Engine is the request-facing wrapper around a BlockSpaceManager and
// Scheduler: AddRequest admits (or rejects) a prompt, Step advances the
// engine one batch and reports newly produced state, Abort cancels an
// in-flight request.
type Engine struct {
	bm        *core.BlockSpaceManager
	scheduler *core.Scheduler
	admission AdmissionPolicy
	tokenizer Tokenizer

	groups  map[string]*core.SequenceGroup
	nextSeq int64
	clock   int64
}

// StepResult is everything one engine step produced: the batch records
// the executor consumes, the block-movement descriptor, and the
// request-level progress views for every request the step touched.
type StepResult struct {
	Batch    []core.BatchMetadata
	Outputs  *core.SchedulerOutputs
	Requests []RequestOutput
}

func New(blockCfg core.BlockManagerConfig, schedCfg core.SchedulerConfig, admission AdmissionPolicy) *Engine {
	if admission == nil {
		admission = AlwaysAdmit{}
	}
	bm := core.NewBlockSpaceManager(blockCfg)
	return &Engine{
		bm:        bm,
		scheduler: core.NewScheduler(schedCfg, bm),
		admission: admission,
		groups:    make(map[string]*core.SequenceGroup),
	}
}

// SetTokenizer installs the decoder used to fill RequestOutput text
// fields. Without one, outputs carry token ids only.
func (e *Engine) SetTokenizer(t Tokenizer) {
	e.tokenizer = t
}

// AddRequest admits a new request. If requestID is empty, one is
// generated. The group holds max(n, best_of) sibling sequences, all
// starting from the same prompt. Returns the assigned request id and an
// error if the engine's AdmissionPolicy rejected it.
func (e *Engine) AddRequest(requestID string, promptTokenIDs []int, sampling core.SamplingParams) (string, error) {
	if ok, reason := e.admission.Admit(time.Now()); !ok {
		return "", fmt.Errorf("engine: request rejected: %s", reason)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if sampling.N < 1 {
		sampling.N = 1
	}

	g := core.NewSequenceGroup(requestID, promptTokenIDs, sampling, e.clock)
	for i := 0; i < sampling.NumSeqsRequired(); i++ {
		g.Seqs = append(g.Seqs, &core.Sequence{
			ID:        e.nextSeq,
			PromptLen: len(promptTokenIDs),
			TokenIDs:  append([]int(nil), promptTokenIDs...),
			Status:    core.StatusWaiting,
		})
		e.nextSeq++
	}
	e.groups[requestID] = g
	e.scheduler.AddSeqGroup(g)
	logrus.Debugf("engine: admitted %s (%d prompt tokens, %d seqs)", requestID, len(promptTokenIDs), len(g.Seqs))
	return requestID, nil
}

func (e *Engine) Abort(requestID string) {
	e.scheduler.AbortSeqGroup(requestID)
	delete(e.groups, requestID)
}

// Step advances the engine by one scheduling round. Requests that
// finished since the last step are released and reported first; then the
// scheduler assembles the next batch. The returned error is fatal for
// the engine (CPU swap space exhausted mid-preemption).
func (e *Engine) Step() (StepResult, error) {
	res := StepResult{}

	// Report and release requests whose every sequence finished since
	// the previous step's sampled tokens were applied.
	for _, id := range e.sortedRequestIDs() {
		g := e.groups[id]
		if g.IsFinished() {
			res.Requests = append(res.Requests, e.toRequestOutput(g))
			delete(e.groups, id)
		}
	}
	e.scheduler.FreeFinishedSeqGroups()

	e.clock++
	batch, out, err := e.scheduler.Schedule(e.clock)
	res.Batch = batch
	res.Outputs = out
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool)
	for _, sg := range out.ScheduledSeqGroups {
		e.bm.MarkBlocksAsComputed(sg.Group)
		if seen[sg.Group.RequestID] {
			continue
		}
		seen[sg.Group.RequestID] = true
		res.Requests = append(res.Requests, e.toRequestOutput(sg.Group))
	}
	for _, g := range out.IgnoredSeqGroups {
		res.Requests = append(res.Requests, e.toRequestOutput(g))
		delete(e.groups, g.RequestID)
	}
	return res, nil
}

// AppendSampledToken applies one executor-sampled token to a sequence of
// an in-flight request, marking the sequence finished when the token is
// a stop token or the output length cap is reached. The block table
// catches up on the next Step.
func (e *Engine) AppendSampledToken(requestID string, seqIdx int, tokenID int, logprob float64) error {
	g, ok := e.groups[requestID]
	if !ok {
		return fmt.Errorf("engine: unknown request %s", requestID)
	}
	if seqIdx < 0 || seqIdx >= len(g.Seqs) {
		return fmt.Errorf("engine: sequence index %d out of range for %s", seqIdx, requestID)
	}
	seq := g.Seqs[seqIdx]
	if seq.Status.IsFinished() {
		return nil
	}
	seq.AppendTokenID(tokenID, logprob)
	if g.Sampling.IsStopToken(tokenID) {
		seq.Status = core.StatusFinishedStopped
	} else if g.Sampling.MaxTokens > 0 && len(seq.OutputTokenIDs()) >= g.Sampling.MaxTokens {
		seq.Status = core.StatusFinishedLengthCapped
	}
	return nil
}

// ForkSeq branches a new sibling off parent inside request g, sharing
// parent's blocks until a later append copy-on-writes them apart --
// the beam-search expansion hook.
func (e *Engine) ForkSeq(requestID string, parentIdx int) (int, error) {
	g, ok := e.groups[requestID]
	if !ok {
		return 0, fmt.Errorf("engine: unknown request %s", requestID)
	}
	if parentIdx < 0 || parentIdx >= len(g.Seqs) {
		return 0, fmt.Errorf("engine: sequence index %d out of range for %s", parentIdx, requestID)
	}
	parent := g.Seqs[parentIdx]
	child := &core.Sequence{
		ID:                e.nextSeq,
		PromptLen:         parent.PromptLen,
		TokenIDs:          append([]int(nil), parent.TokenIDs...),
		Status:            parent.Status,
		BlockLen:          parent.BlockLen,
		CumulativeLogprob: parent.CumulativeLogprob,
		OutputLogprobs:    append([]float64(nil), parent.OutputLogprobs...),
	}
	e.nextSeq++
	e.scheduler.ForkSeq(parent, child)
	g.Seqs = append(g.Seqs, child)
	return len(g.Seqs) - 1, nil
}

func (e *Engine) toRequestOutput(g *core.SequenceGroup) RequestOutput {
	// Report the top-n completions by cumulative log-probability; with
	// best_of > n the extra exploratory sequences are dropped here.
	ordered := append([]*core.Sequence(nil), g.Seqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CumulativeLogprob > ordered[j].CumulativeLogprob
	})
	n := g.Sampling.N
	if n <= 0 || n > len(ordered) {
		n = len(ordered)
	}
	outputs := make([]CompletionOutput, 0, n)
	for i := 0; i < n; i++ {
		seq := ordered[i]
		co := CompletionOutput{
			Index:             i,
			TokenIDs:          append([]int(nil), seq.OutputTokenIDs()...),
			CumulativeLogprob: seq.CumulativeLogprob,
			FinishReason:      seq.Status.FinishReason(),
		}
		if g.Sampling.Logprobs > 0 {
			co.Logprobs = append([]float64(nil), seq.OutputLogprobs...)
		}
		if e.tokenizer != nil {
			co.Text = e.tokenizer.Decode(co.TokenIDs, true)
		}
		outputs = append(outputs, co)
	}
	ro := RequestOutput{
		RequestID:      g.RequestID,
		PromptTokenIDs: g.Prompt,
		Outputs:        outputs,
		Finished:       g.IsFinished(),
	}
	if e.tokenizer != nil {
		ro.Prompt = e.tokenizer.Decode(g.Prompt, true)
	}
	return ro
}

func (e *Engine) sortedRequestIDs() []string {
	ids := make([]string, 0, len(e.groups))
	for id := range e.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) HasUnfinishedRequests() bool {
	return e.scheduler.HasUnfinishedSeqs() || e.hasFinishedUnreported()
}

func (e *Engine) hasFinishedUnreported() bool {
	for _, g := range e.groups {
		if g.IsFinished() {
			return true
		}
	}
	return false
}
