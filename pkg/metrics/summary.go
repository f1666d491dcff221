package metrics

import (
	"time"

	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

// FinalSummary computes the terminal-transition summary row per spec
// §4.5: mean/min/max/p50/p95/p99 per label, RPS over the successful
// non-warmup request/completion events, completion/total TPS, success rate, and the
// failure-kind breakdown. runDuration excludes warmup per spec.
func (a *Aggregator) FinalSummary(taskID string, runDuration time.Duration) models.FinalSummary {
	a.mu.Lock()
	labels := make(map[string]*labelStats, len(a.labels))
	for k, v := range a.labels {
		labels[k] = v
	}
	a.mu.Unlock()

	summary := models.FinalSummary{
		TaskID:          taskID,
		CreatedAt:       time.Now(),
		FailuresByKind:  models.FailureBreakdown{},
		TokensEstimated: false,
		DroppedEvents:   a.bus.Dropped(),
	}

	var completionTokens, totalTokens, completedOK int64
	var ttftSketch *Sketch

	for name, ls := range labels {
		ls.mu.Lock()
		stat := models.LabelStats{
			Label:        name,
			Count:        ls.count,
			FailureCount: ls.failureCount,
			P50:          nsToMs(int64(ls.sketch.Quantile(0.5))),
			P95:          nsToMs(int64(ls.sketch.Quantile(0.95))),
			P99:          nsToMs(int64(ls.sketch.Quantile(0.99))),
		}
		if ls.min >= 0 {
			stat.Min = nsToMs(ls.min)
		}
		stat.Max = nsToMs(ls.max)
		successCount := ls.count - ls.failureCount
		if successCount > 0 {
			stat.Mean = nsToMs(int64(ls.sumNs)) / float64(successCount)
		}
		for kind, n := range ls.failuresByKind {
			summary.FailuresByKind[string(kind)] += n
		}
		summary.TotalRequests += ls.count
		summary.FailedRequests += ls.failureCount

		if ls.tokensEstimated {
			summary.TokensEstimated = true
		}
		completionTokens += ls.completionTokens
		totalTokens += ls.totalTokens

		if name == event.LabelFirstToken {
			ttftSketch = ls.sketch
			summary.TTFTMeanMs = stat.Mean
		} else {
			completedOK += successCount
		}
		ls.mu.Unlock()

		summary.PerLabel = append(summary.PerLabel, stat)
	}

	summary.SuccessRequests = summary.TotalRequests - summary.FailedRequests
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessRequests) / float64(summary.TotalRequests)
	}

	if ttftSketch != nil {
		summary.TTFTP95Ms = nsToMs(int64(ttftSketch.Quantile(0.95)))
	}

	if completionLs, ok := labels[event.LabelCompletion]; ok {
		applyLatencyStats(&summary, completionLs)
	} else if requestLs, ok := labels[event.LabelRequest]; ok {
		applyLatencyStats(&summary, requestLs)
	}

	secs := runDuration.Seconds()
	if secs > 0 {
		summary.RPS = float64(completedOK) / secs
		summary.CompletionTPS = float64(completionTokens) / secs
		summary.TotalTPS = float64(totalTokens) / secs
	}

	return summary
}

func applyLatencyStats(summary *models.FinalSummary, ls *labelStats) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	successCount := ls.count - ls.failureCount
	if successCount > 0 {
		summary.MeanLatencyMs = nsToMs(int64(ls.sumNs)) / float64(successCount)
	}
	if ls.min >= 0 {
		summary.MinLatencyMs = nsToMs(ls.min)
	}
	summary.MaxLatencyMs = nsToMs(ls.max)
	summary.P50LatencyMs = nsToMs(int64(ls.sketch.Quantile(0.5)))
	summary.P95LatencyMs = nsToMs(int64(ls.sketch.Quantile(0.95)))
	summary.P99LatencyMs = nsToMs(int64(ls.sketch.Quantile(0.99)))
}
