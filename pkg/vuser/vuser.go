// Package vuser implements the closed-loop virtual user: one logical
// load client that owns an HTTP connection, pulls dataset entries,
// issues requests, hands responses to the parser, and emits Request
// Events.
package vuser

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/dataset"
	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/parser"
)

// VirtualUser runs a single-flight request loop against one task's
// target endpoint until its context is cancelled. It owns its own
// *http.Client; nothing about it is shared with sibling VUs except the
// read-only Dataset cursor and the Aggregator's event channel.
type VirtualUser struct {
	ID       int
	Client   *http.Client
	Task     *models.Task
	Mapping  models.FieldMapping
	Cursor   *dataset.Cursor
	Events   event.Sink
	IsWarmup func() bool
}

// Run executes the closed-loop cycle described in spec §4.3: while not
// cancelled, pick the next entry, send one request, record one or two
// Request Events, repeat immediately (no retry, no think time).
func (vu *VirtualUser) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry := vu.Cursor.Next()
		if entry == nil {
			// Empty dataset is a Runner-level fatal condition; the
			// Runner checks this before spawning VUs, so reaching here
			// means the dataset was mutated out from under us, which
			// cannot happen in this design. Exit defensively.
			return
		}

		vu.doRequest(ctx, entry)
	}
}

func (vu *VirtualUser) doRequest(ctx context.Context, entry *dataset.Entry) {
	warmup := vu.IsWarmup != nil && vu.IsWarmup()
	start := time.Now()

	body, prompt, err := buildBody(vu.Task, vu.Mapping, entry)
	if err != nil {
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            false,
			FailureKind:   event.FailureParse,
			Warmup:        warmup,
		})
		return
	}

	req, err := newHTTPRequest(ctx, vu.Task, body)
	if err != nil {
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            false,
			FailureKind:   event.FailureParse,
			Warmup:        warmup,
		})
		return
	}

	resp, err := vu.Client.Do(req)
	if err != nil {
		kind := classifyTransportError(ctx, err)
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            false,
			FailureKind:   kind,
			Warmup:        warmup,
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            false,
			HTTPStatus:    resp.StatusCode,
			FailureKind:   event.FailureHTTPStatus,
			Warmup:        warmup,
		})
		return
	}

	if vu.Task.IsLLM() && vu.Task.StreamMode {
		vu.handleStream(ctx, resp, start, prompt, warmup)
		return
	}
	vu.handleNonStream(resp, start, prompt, warmup)
}

func (vu *VirtualUser) handleNonStream(resp *http.Response, start time.Time, prompt string, warmup bool) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            false,
			FailureKind:   event.FailureStreamTruncated,
			Warmup:        warmup,
		})
		return
	}

	if !vu.Task.IsLLM() {
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         time.Now().UnixNano(),
			OK:            true,
			Warmup:        warmup,
		})
		return
	}

	result, err := parser.ParseNonStream(raw, vu.Task.APIType, vu.Mapping, prompt)
	end := time.Now()
	if err != nil {
		var pe *parser.Error
		kind := event.FailureParse
		if errors.As(err, &pe) {
			kind = event.FailureKind(pe.Kind)
		}
		vu.emit(event.RequestEvent{
			EndpointLabel: vu.label(),
			StartNs:       start.UnixNano(),
			EndNs:         end.UnixNano(),
			OK:            false,
			FailureKind:   kind,
			Warmup:        warmup,
		})
		return
	}

	vu.emit(event.RequestEvent{
		EndpointLabel:    vu.label(),
		StartNs:          start.UnixNano(),
		EndNs:            end.UnixNano(),
		OK:               true,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		TokensEstimated:  result.TokensEstimated,
		Warmup:           warmup,
	})
}

func (vu *VirtualUser) handleStream(ctx context.Context, resp *http.Response, start time.Time, prompt string, warmup bool) {
	var ttftNs int64
	onFirstToken := func() {
		ttftNs = time.Since(start).Nanoseconds()
	}

	result, err := parser.ParseStream(ctx, resp.Body, vu.Mapping, prompt, onFirstToken)
	end := time.Now()

	if ttftNs > 0 {
		vu.emit(event.RequestEvent{
			EndpointLabel: event.LabelFirstToken,
			StartNs:       start.UnixNano(),
			TTFTNs:        ttftNs,
			EndNs:         start.Add(time.Duration(ttftNs)).UnixNano(),
			OK:            true,
			Warmup:        warmup,
		})
	}

	if err != nil {
		var pe *parser.Error
		kind := event.FailureStreamTruncated
		if errors.As(err, &pe) {
			kind = event.FailureKind(pe.Kind)
		}
		vu.emit(event.RequestEvent{
			EndpointLabel: event.LabelCompletion,
			StartNs:       start.UnixNano(),
			EndNs:         end.UnixNano(),
			OK:            false,
			FailureKind:   kind,
			Warmup:        warmup,
		})
		return
	}

	vu.emit(event.RequestEvent{
		EndpointLabel:    event.LabelCompletion,
		StartNs:          start.UnixNano(),
		EndNs:            end.UnixNano(),
		OK:               true,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		TokensEstimated:  result.TokensEstimated,
		Warmup:           warmup,
	})
}

func (vu *VirtualUser) label() string {
	if vu.Task.IsLLM() {
		return event.LabelRequest
	}
	return vu.Task.APIPath
}

// emit is non-blocking from the VU's perspective: overflow handling
// (drop-with-counter) lives in the aggregator's channel, not here, since
// only the aggregator knows the configured capacity.
func (vu *VirtualUser) emit(e event.RequestEvent) {
	vu.Events.Emit(e)
}

func classifyTransportError(ctx context.Context, err error) event.FailureKind {
	if ctx.Err() != nil {
		return event.FailureCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return event.FailureTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return event.FailureTimeout
	}
	return event.FailureConnect
}
