// Package parser decodes OpenAI-compatible, Claude-compatible,
// embeddings, and user-mapped JSON responses, extracting text,
// reasoning, and token usage, and timing first-token latency on streams.
package parser

// Result is the outcome of parsing one response, streaming or not.
type Result struct {
	Content          string
	Reasoning        string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	TokensEstimated  bool
	// FirstTokenNs is not filled in by ParseStream or ParseNonStream and
	// is always zero; streaming callers time the first non-empty
	// content/reasoning delta through ParseStream's onFirstToken callback.
	FirstTokenNs int64
}

// Error wraps a parse or transport failure with the FailureKind taxonomy
// the caller uses to build a RequestEvent.
type Error struct {
	Kind    string
	Message string
	Partial *Result // best-effort partial result, e.g. on STREAM_TRUNCATED
}

func (e *Error) Error() string { return e.Message }

// fillTotalTokens derives total tokens when a server reports prompt and
// completion counts but omits the total.
func fillTotalTokens(r *Result) {
	if r.TotalTokens == 0 && (r.PromptTokens != 0 || r.CompletionTokens != 0) {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
}
