package vuser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MigoXLab/lmeterx/pkg/dataset"
	"github.com/MigoXLab/lmeterx/pkg/fieldpath"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

// buildBody materializes the request body for one dataset entry: for
// GENERIC tasks the raw payload is sent verbatim; for LLM tasks the
// prompt (and, for multimodal chat, the first image) is substituted into
// the task's request_payload template at the mapped paths.
func buildBody(task *models.Task, mapping models.FieldMapping, entry *dataset.Entry) ([]byte, string, error) {
	if task.Kind == models.KindGeneric {
		return entry.RawPayload, "", nil
	}

	var template map[string]interface{}
	if len(task.RequestPayload) > 0 {
		if err := json.Unmarshal(task.RequestPayload, &template); err != nil {
			return nil, "", fmt.Errorf("request_payload is not a JSON object: %w", err)
		}
	} else {
		template = map[string]interface{}{}
	}

	prompt := strings.Join(entry.Prompts, "\n")
	if mapping.Prompt != "" {
		if err := fieldpath.Set(template, mapping.Prompt, prompt); err != nil {
			return nil, prompt, fmt.Errorf("substituting prompt at %q: %w", mapping.Prompt, err)
		}
	}

	if task.ChatType == models.ChatTypeMultimodal && mapping.Image != "" && len(entry.Images) > 0 && entry.Images[0] != "" {
		if err := fieldpath.Set(template, mapping.Image, entry.Images[0]); err != nil {
			return nil, prompt, fmt.Errorf("substituting image at %q: %w", mapping.Image, err)
		}
	}

	body, err := json.Marshal(template)
	if err != nil {
		return nil, prompt, fmt.Errorf("marshaling request body: %w", err)
	}
	return body, prompt, nil
}

// newHTTPRequest builds the outbound *http.Request for task against body,
// setting headers/cookies and the SSE Accept header when streaming.
func newHTTPRequest(ctx context.Context, task *models.Task, body []byte) (*http.Request, error) {
	method := task.Method
	if method == "" {
		method = http.MethodPost
	}
	url := strings.TrimRight(task.TargetHost, "/") + task.APIPath

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	for name, value := range task.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if task.IsLLM() && task.StreamMode {
		req.Header.Set("Accept", "text/event-stream")
	}

	return req, nil
}
