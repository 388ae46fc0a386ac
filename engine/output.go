// Package engine wraps core.BlockSpaceManager and core.Scheduler behind
// a request-oriented API: AddRequest, Abort, and Step, producing
// RequestOutput values as completions finish.
package engine

// Tokenizer decodes token ids back into text for RequestOutput. It is
// consulted only at request boundaries, never inside a scheduling step.
type Tokenizer interface {
	Decode(tokenIDs []int, skipSpecialTokens bool) string
}

// CompletionOutput is one sequence's current output, matching
// cacheflow.outputs.CompletionOutput. Text is empty unless the engine
// was given a Tokenizer.
type CompletionOutput struct {
	Index             int
	Text              string
	TokenIDs          []int
	CumulativeLogprob float64
	Logprobs          []float64
	FinishReason      string // "stop", "length", "abort", or "" while still generating (and for ignored requests)
}

// RequestOutput is the per-step (or final) view of a request's progress,
// matching cacheflow.outputs.RequestOutput.
type RequestOutput struct {
	RequestID      string
	Prompt         string
	PromptTokenIDs []int
	Outputs        []CompletionOutput
	Finished       bool
}
