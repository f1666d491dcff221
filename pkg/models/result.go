package models

import "time"

// LabelStats carries the percentile/throughput stats computed for one
// event label ("first_token", "completion", "request", or a GENERIC
// user-supplied label).
type LabelStats struct {
	Label        string  `json:"label"`
	Count        int64   `json:"count"`
	FailureCount int64   `json:"failure_count"`
	Mean         float64 `json:"mean_ms"`
	Min          float64 `json:"min_ms"`
	Max          float64 `json:"max_ms"`
	P50          float64 `json:"p50_ms"`
	P95          float64 `json:"p95_ms"`
	P99          float64 `json:"p99_ms"`
}

// FailureBreakdown counts request failures by FailureKind.
type FailureBreakdown map[string]int64

// FinalSummary is the one row written to task_results/common_task_results
// at terminal transition.
type FinalSummary struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	TotalRequests   int64   `db:"total_requests" json:"total_requests"`
	SuccessRequests int64   `db:"success_requests" json:"success_requests"`
	FailedRequests  int64   `db:"failed_requests" json:"failed_requests"`
	SuccessRate     float64 `db:"success_rate" json:"success_rate"`

	MeanLatencyMs float64 `db:"mean_latency_ms" json:"mean_latency_ms"`
	MinLatencyMs  float64 `db:"min_latency_ms" json:"min_latency_ms"`
	MaxLatencyMs  float64 `db:"max_latency_ms" json:"max_latency_ms"`
	P50LatencyMs  float64 `db:"p50_latency_ms" json:"p50_latency_ms"`
	P95LatencyMs  float64 `db:"p95_latency" json:"p95_latency"`
	P99LatencyMs  float64 `db:"p99_latency_ms" json:"p99_latency_ms"`

	TTFTMeanMs float64 `db:"ttft_mean_ms" json:"ttft_mean_ms"`
	TTFTP95Ms  float64 `db:"ttft_p95_ms" json:"ttft_p95_ms"`

	RPS             float64 `db:"rps" json:"rps"`
	CompletionTPS   float64 `db:"completion_tps" json:"completion_tps"`
	TotalTPS        float64 `db:"total_tps" json:"total_tps"`
	TokensEstimated bool    `db:"tokens_estimated" json:"tokens_estimated"`

	FailuresByKind FailureBreakdown `db:"-" json:"failures_by_kind,omitempty"`
	PerLabel       []LabelStats     `db:"-" json:"per_label,omitempty"`

	DroppedEvents int64 `db:"dropped_events" json:"dropped_events"`
}

// RealtimeRow is one append-only snapshot written to
// common_task_realtime_metrics roughly once per second during a run.
type RealtimeRow struct {
	TaskID               string    `db:"task_id" json:"task_id"`
	Timestamp            time.Time `db:"timestamp" json:"timestamp"`
	CurrentUsers         int       `db:"current_users" json:"current_users"`
	CurrentRPS           float64   `db:"current_rps" json:"current_rps"`
	CurrentFailPerSec    float64   `db:"current_fail_per_sec" json:"current_fail_per_sec"`
	AvgResponseTimeMs    float64   `db:"avg_response_time" json:"avg_response_time"`
	MinResponseTimeMs    float64   `db:"min_response_time" json:"min_response_time"`
	MaxResponseTimeMs    float64   `db:"max_response_time" json:"max_response_time"`
	MedianResponseTimeMs float64   `db:"median_response_time" json:"median_response_time"`
	P95ResponseTimeMs    float64   `db:"p95_response_time" json:"p95_response_time"`
	TotalRequests        int64     `db:"total_requests" json:"total_requests"`
	TotalFailures        int64     `db:"total_failures" json:"total_failures"`
	Warmup               bool      `db:"warmup" json:"warmup"`
}
