package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv/core"
)

func testEngine() *Engine {
	blockCfg := core.BlockManagerConfig{BlockSize: 4, NumGPUBlocks: 8, NumCPUBlocks: 8}
	schedCfg := core.SchedulerConfig{MaxNumBatchedTokens: 64, MaxNumSeqs: 16, MaxModelLen: 64}
	return New(blockCfg, schedCfg, nil)
}

func TestEngineAddRequestGeneratesIDWhenEmpty(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("", []int{1, 2, 3, 4}, core.SamplingParams{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, e.HasUnfinishedRequests())
}

func TestEngineStepAdmitsWaitingRequest(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{})
	require.NoError(t, err)

	res, err := e.Step()
	require.NoError(t, err)
	require.True(t, res.Outputs.PromptRun)
	require.Len(t, res.Batch, 1)
	require.Len(t, res.Requests, 1)
	require.Equal(t, id, res.Requests[0].RequestID)
	require.False(t, res.Requests[0].Finished)
}

func TestEngineAppendSampledTokenStopsOnStopToken(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{StopTokenIDs: []int{42}})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)

	require.NoError(t, e.AppendSampledToken(id, 0, 42, -0.3))
	res, err := e.Step()
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)
	require.Equal(t, "stop", res.Requests[0].Outputs[0].FinishReason)
	require.Equal(t, []int{42}, res.Requests[0].Outputs[0].TokenIDs)
	require.True(t, res.Requests[0].Finished)
	require.False(t, e.HasUnfinishedRequests())
}

func TestEngineMaxTokensFinishesWithLength(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{MaxTokens: 2})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)

	require.NoError(t, e.AppendSampledToken(id, 0, 7, -0.1))
	_, err = e.Step()
	require.NoError(t, err)
	require.NoError(t, e.AppendSampledToken(id, 0, 8, -0.1))

	res, err := e.Step()
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)
	require.Equal(t, "length", res.Requests[0].Outputs[0].FinishReason)
	require.True(t, res.Requests[0].Finished)
}

func TestEngineBestOfKeepsTopNByLogprob(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{N: 1, BestOf: 2, StopTokenIDs: []int{9}})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)

	// Sequence 1 ends up more probable than sequence 0.
	require.NoError(t, e.AppendSampledToken(id, 0, 9, -2.0))
	require.NoError(t, e.AppendSampledToken(id, 1, 9, -0.5))

	res, err := e.Step()
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)
	require.Len(t, res.Requests[0].Outputs, 1)
	require.InDelta(t, -0.5, res.Requests[0].Outputs[0].CumulativeLogprob, 1e-9)
}

func TestEngineForkSeqSharesBlocksWithParent(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)

	childIdx, err := e.ForkSeq(id, 0)
	require.NoError(t, err)
	g := e.groups[id]
	require.Equal(t,
		g.Seqs[0].BlockTable.PhysicalBlockIDs(),
		g.Seqs[childIdx].BlockTable.PhysicalBlockIDs())
}

func TestEngineAppendSampledTokenRejectsUnknownRequest(t *testing.T) {
	e := testEngine()
	err := e.AppendSampledToken("missing", 0, 1, 0)
	require.Error(t, err)
}

func TestEngineAbortRemovesRequest(t *testing.T) {
	e := testEngine()
	id, err := e.AddRequest("req-1", []int{1, 2, 3, 4}, core.SamplingParams{})
	require.NoError(t, err)

	e.Abort(id)
	require.False(t, e.HasUnfinishedRequests())
	require.Error(t, e.AppendSampledToken(id, 0, 1, 0))
}

func TestTokenBucketRejectsWhenExhausted(t *testing.T) {
	now := time.Now()
	tb := NewTokenBucket(1, 0, now)
	ok, _ := tb.Admit(now)
	require.True(t, ok)
	ok, reason := tb.Admit(now)
	require.False(t, ok)
	require.NotEmpty(t, reason)
}
