package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// WriteFinalSummary upserts the one terminal-transition summary row for
// a task into task_results (LLM) or common_task_results (GENERIC).
func (s *Store) WriteFinalSummary(ctx context.Context, summary models.FinalSummary, kind models.Kind) error {
	table := "task_results"
	if kind == models.KindGeneric {
		table = "common_task_results"
	}

	failuresJSON, err := json.Marshal(summary.FailuresByKind)
	if err != nil {
		return fmt.Errorf("marshaling failures_by_kind: %w", err)
	}
	perLabelJSON, err := json.Marshal(summary.PerLabel)
	if err != nil {
		return fmt.Errorf("marshaling per_label: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(task_id, created_at, total_requests, success_requests, failed_requests, success_rate,
			 mean_latency_ms, min_latency_ms, max_latency_ms, p50_latency_ms, p95_latency, p99_latency_ms,
			 ttft_mean_ms, ttft_p95_ms, rps, completion_tps, total_tps, tokens_estimated,
			 failures_by_kind, per_label, dropped_events)
		VALUES
			($1, now(), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (task_id) DO UPDATE SET
			total_requests = EXCLUDED.total_requests,
			success_requests = EXCLUDED.success_requests,
			failed_requests = EXCLUDED.failed_requests,
			success_rate = EXCLUDED.success_rate,
			mean_latency_ms = EXCLUDED.mean_latency_ms,
			min_latency_ms = EXCLUDED.min_latency_ms,
			max_latency_ms = EXCLUDED.max_latency_ms,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency = EXCLUDED.p95_latency,
			p99_latency_ms = EXCLUDED.p99_latency_ms,
			ttft_mean_ms = EXCLUDED.ttft_mean_ms,
			ttft_p95_ms = EXCLUDED.ttft_p95_ms,
			rps = EXCLUDED.rps,
			completion_tps = EXCLUDED.completion_tps,
			total_tps = EXCLUDED.total_tps,
			tokens_estimated = EXCLUDED.tokens_estimated,
			failures_by_kind = EXCLUDED.failures_by_kind,
			per_label = EXCLUDED.per_label,
			dropped_events = EXCLUDED.dropped_events`, table)

	_, err = s.db.ExecContext(ctx, query,
		summary.TaskID, summary.TotalRequests, summary.SuccessRequests, summary.FailedRequests, summary.SuccessRate,
		summary.MeanLatencyMs, summary.MinLatencyMs, summary.MaxLatencyMs, summary.P50LatencyMs, summary.P95LatencyMs, summary.P99LatencyMs,
		summary.TTFTMeanMs, summary.TTFTP95Ms, summary.RPS, summary.CompletionTPS, summary.TotalTPS, summary.TokensEstimated,
		failuresJSON, perLabelJSON, summary.DroppedEvents,
	)
	if err != nil {
		return fmt.Errorf("writing final summary for %s: %w", summary.TaskID, err)
	}
	return nil
}
