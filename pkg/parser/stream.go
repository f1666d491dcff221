package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/fieldpath"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/tokenizer"
)

// idleTimeout bounds how long ParseStream waits for the next byte before
// treating the connection as stalled.
const idleTimeout = 60 * time.Second

var errIdleTimeout = fmt.Errorf("parser: stream idle timeout")

// timedReader wraps an io.Reader so that a Read call that produces
// nothing within timeout fails with errIdleTimeout instead of blocking
// forever on a stalled connection.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

// ParseStream reads an SSE- or ndjson-framed response, invoking
// onFirstToken exactly once when the first non-empty content or
// reasoning delta is observed. It always returns the best-effort partial
// Result it accumulated even on error, so callers can report partial
// TTFT on STREAM_TRUNCATED.
func ParseStream(ctx context.Context, reader io.Reader, mapping models.FieldMapping, prompt string, onFirstToken func()) (*Result, error) {
	tr := &timedReader{r: reader, timeout: idleTimeout}
	scanner := bufio.NewScanner(tr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	r := &Result{}
	var content, reasoning strings.Builder
	firstTokenSeen := false
	terminated := false

	prefix := mapping.StreamPrefix
	if prefix == "" {
		prefix = "data: "
	}
	stopFlag := mapping.StopFlag
	if stopFlag == "" {
		stopFlag = "[DONE]"
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			r.Content, r.Reasoning = content.String(), reasoning.String()
			return r, &Error{Kind: "CANCELLED", Message: ctx.Err().Error(), Partial: r}
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		var payload string
		switch mapping.DataFormat {
		case "ndjson":
			payload = line
		default: // "sse" or unset
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			payload = strings.TrimPrefix(line, prefix)
		}

		if strings.TrimSpace(payload) == stopFlag {
			terminated = true
			break
		}
		if mapping.EndPrefix != "" && strings.HasPrefix(line, mapping.EndPrefix) {
			terminated = true
			break
		}

		var chunk interface{}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // malformed chunk: log-and-skip, not a request failure
		}

		if mapping.EndField != "" {
			if v, ok := fieldpath.Get(chunk, mapping.EndField); ok {
				if b, ok := v.(bool); ok && b {
					terminated = true
				}
			}
		}

		deltaSeen := false
		if mapping.Content != "" {
			if s, ok := fieldpath.GetString(chunk, mapping.Content); ok && s != "" {
				content.WriteString(s)
				deltaSeen = true
			}
		}
		if mapping.ReasoningContent != "" {
			if s, ok := fieldpath.GetString(chunk, mapping.ReasoningContent); ok && s != "" {
				reasoning.WriteString(s)
				deltaSeen = true
			}
		}
		if deltaSeen && !firstTokenSeen {
			firstTokenSeen = true
			if onFirstToken != nil {
				onFirstToken()
			}
		}

		if mapping.PromptTokens != "" {
			if n, ok := fieldpath.GetNumber(chunk, mapping.PromptTokens); ok {
				r.PromptTokens = int64(n)
			}
		}
		if mapping.CompletionTokens != "" {
			if n, ok := fieldpath.GetNumber(chunk, mapping.CompletionTokens); ok {
				r.CompletionTokens = int64(n)
			}
		}
		if mapping.TotalTokens != "" {
			if n, ok := fieldpath.GetNumber(chunk, mapping.TotalTokens); ok {
				r.TotalTokens = int64(n)
			}
		}

		if terminated {
			break
		}
	}

	r.Content = content.String()
	r.Reasoning = reasoning.String()
	fillTotalTokens(r)

	if scanErr := scanner.Err(); scanErr != nil {
		if isIdleTimeout(scanErr) {
			if r.Content == "" && r.Reasoning == "" {
				return r, &Error{Kind: "STREAM_TRUNCATED", Message: "stream idle timeout with no data", Partial: r}
			}
			return r, &Error{Kind: "STREAM_TRUNCATED", Message: "stream idle timeout after partial data", Partial: r}
		}
		return r, &Error{Kind: "STREAM_TRUNCATED", Message: scanErr.Error(), Partial: r}
	}

	if !terminated {
		return r, &Error{Kind: "STREAM_TRUNCATED", Message: "stream ended before terminal marker", Partial: r}
	}

	if r.TotalTokens == 0 {
		p, c, t := tokenizer.EstimateTotal(prompt, r.Content)
		r.PromptTokens, r.CompletionTokens, r.TotalTokens = p, c, t
		r.TokensEstimated = true
	}

	return r, nil
}

func isIdleTimeout(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte(errIdleTimeout.Error()))
}
