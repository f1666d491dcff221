package parser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

func openAIChatMapping() models.FieldMapping {
	return models.FieldMapping{
		Content:          "choices.0.message.content",
		ReasoningContent: "choices.0.message.reasoning_content",
		PromptTokens:     "usage.prompt_tokens",
		CompletionTokens: "usage.completion_tokens",
		TotalTokens:      "usage.total_tokens",
		StreamPrefix:     "data: ",
		StopFlag:         "[DONE]",
		DataFormat:       "sse",
	}
}

func TestParseNonStream_OpenAIChat(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":"hello there","reasoning_content":"thinking"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	r, err := ParseNonStream(body, models.APITypeOpenAIChat, openAIChatMapping(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", r.Content)
	assert.Equal(t, "thinking", r.Reasoning)
	assert.Equal(t, int64(15), r.TotalTokens)
	assert.False(t, r.TokensEstimated)
}

func TestParseNonStream_EstimatesWhenUsageMissing(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":"hello there"}}]}`)
	r, err := ParseNonStream(body, models.APITypeOpenAIChat, openAIChatMapping(), "hi")
	require.NoError(t, err)
	assert.True(t, r.TokensEstimated)
	assert.Greater(t, r.TotalTokens, int64(0))
}

func TestParseNonStream_MalformedJSON(t *testing.T) {
	_, err := ParseNonStream([]byte("not json"), models.APITypeOpenAIChat, openAIChatMapping(), "hi")
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "PARSE", pe.Kind)
}

func TestParseNonStream_NoMappedFieldFound(t *testing.T) {
	body := []byte(`{"unexpected":"shape"}`)
	_, err := ParseNonStream(body, models.APITypeOpenAIChat, openAIChatMapping(), "hi")
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "PARSE", pe.Kind)
}

func TestParseNonStream_Embeddings(t *testing.T) {
	mapping := models.FieldMapping{
		Content:      "data.0.embedding",
		PromptTokens: "usage.prompt_tokens",
		TotalTokens:  "usage.total_tokens",
	}
	body := []byte(`{"data":[{"embedding":[0.1,0.2,0.3]}],"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	r, err := ParseNonStream(body, models.APITypeEmbeddings, mapping, "hi")
	require.NoError(t, err)
	assert.Equal(t, "3", r.Content)
	assert.Equal(t, int64(3), r.TotalTokens)
}

func sseBody(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestParseStream_AccumulatesContentAndFiresFirstToken(t *testing.T) {
	body := sseBody(
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
		`data: [DONE]`,
	)
	mapping := openAIChatMapping()
	mapping.Content = "choices.0.delta.content"

	firstTokenCalls := 0
	r, err := ParseStream(context.Background(), strings.NewReader(body), mapping, "hi", func() { firstTokenCalls++ })
	require.NoError(t, err)
	assert.Equal(t, "Hello", r.Content)
	assert.Equal(t, 1, firstTokenCalls)
	assert.Equal(t, int64(4), r.TotalTokens)
	assert.False(t, r.TokensEstimated)
}

func TestParseStream_SkipsMalformedChunk(t *testing.T) {
	body := sseBody(
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	)
	mapping := openAIChatMapping()
	mapping.Content = "choices.0.delta.content"
	r, err := ParseStream(context.Background(), strings.NewReader(body), mapping, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Content)
}

func TestParseStream_TruncatedWithoutTerminalMarker(t *testing.T) {
	body := sseBody(`data: {"choices":[{"delta":{"content":"partial"}}]}`)
	mapping := openAIChatMapping()
	mapping.Content = "choices.0.delta.content"
	r, err := ParseStream(context.Background(), strings.NewReader(body), mapping, "hi", nil)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "STREAM_TRUNCATED", pe.Kind)
	assert.Equal(t, "partial", pe.Partial.Content)
	assert.Equal(t, "partial", r.Content)
}

func TestParseStream_CancelledContextStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := sseBody(`data: {"choices":[{"delta":{"content":"x"}}]}`, `data: [DONE]`)
	mapping := openAIChatMapping()
	mapping.Content = "choices.0.delta.content"
	_, err := ParseStream(ctx, strings.NewReader(body), mapping, "hi", nil)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "CANCELLED", pe.Kind)
}

func TestParseStream_NdjsonFormat(t *testing.T) {
	body := sseBody(
		`{"content":"chunk1"}`,
		`{"content":"chunk2"}`,
	)
	mapping := models.FieldMapping{
		Content:    "content",
		DataFormat: "ndjson",
		EndField:   "done",
	}
	body += `{"content":"","done":true}` + "\n"
	r, err := ParseStream(context.Background(), strings.NewReader(body), mapping, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "chunk1chunk2", r.Content)
}

func TestParseStream_IdleTimeoutIs60s(t *testing.T) {
	// Pins the idle-timeout constant at 60s; the timeout itself is not
	// exercised here, to avoid a slow 60s sleep in unit tests.
	assert.Equal(t, 60*time.Second, idleTimeout)
}
