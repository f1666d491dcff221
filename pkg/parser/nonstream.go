package parser

import (
	"encoding/json"
	"fmt"

	"github.com/MigoXLab/lmeterx/pkg/fieldpath"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/tokenizer"
)

// ParseNonStream extracts a Result from a single JSON response body per
// the api_type's field mapping. prompt is used only to backfill an
// estimated token count when the server omits usage.
func ParseNonStream(body []byte, apiType models.APIType, mapping models.FieldMapping, prompt string) (*Result, error) {
	var root interface{}
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, &Error{Kind: "PARSE", Message: fmt.Sprintf("non-stream body is not valid JSON: %v", err)}
	}

	r := &Result{}

	if mapping.Content != "" {
		if s, ok := fieldpath.GetString(root, mapping.Content); ok {
			r.Content = s
		} else if v, ok := fieldpath.Get(root, mapping.Content); ok {
			// embeddings: content path resolves to an array; surrogate
			// completion size is its length, not its text.
			if arr, ok := v.([]interface{}); ok {
				r.Content = fmt.Sprintf("%d", len(arr))
			}
		}
	}
	if mapping.ReasoningContent != "" {
		if s, ok := fieldpath.GetString(root, mapping.ReasoningContent); ok {
			r.Reasoning = s
		}
	}
	if r.Content == "" && r.Reasoning == "" {
		return nil, &Error{Kind: "PARSE", Message: "response did not contain a mapped content or reasoning field"}
	}

	if mapping.PromptTokens != "" {
		if n, ok := fieldpath.GetNumber(root, mapping.PromptTokens); ok {
			r.PromptTokens = int64(n)
		}
	}
	if mapping.CompletionTokens != "" {
		if n, ok := fieldpath.GetNumber(root, mapping.CompletionTokens); ok {
			r.CompletionTokens = int64(n)
		}
	}
	if mapping.TotalTokens != "" {
		if n, ok := fieldpath.GetNumber(root, mapping.TotalTokens); ok {
			r.TotalTokens = int64(n)
		}
	}
	fillTotalTokens(r)

	if r.TotalTokens == 0 {
		p, c, t := tokenizer.EstimateTotal(prompt, r.Content)
		r.PromptTokens, r.CompletionTokens, r.TotalTokens = p, c, t
		r.TokensEstimated = true
	}

	return r, nil
}
