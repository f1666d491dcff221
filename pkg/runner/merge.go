package runner

import (
	"time"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// mergeRealtime combines one real-time snapshot per shard, captured in
// the same ~1s window, into the single row the Dispatcher's heartbeat
// watcher and the UI read. Counts sum; latencies are request-weighted
// averages across shards (an approximation — shards don't share a
// quantile sketch, so p95/median here is the weighted mean of each
// shard's own p95/median rather than a recomputed global percentile).
func mergeRealtime(taskID string, rows []models.RealtimeRow) models.RealtimeRow {
	merged := models.RealtimeRow{TaskID: taskID, Timestamp: time.Now()}
	if len(rows) == 0 {
		return merged
	}

	var weightedAvg, weightedMedian, weightedP95 float64
	var minNs, maxNs float64
	minNs = -1
	for _, row := range rows {
		merged.CurrentUsers += row.CurrentUsers
		merged.CurrentRPS += row.CurrentRPS
		merged.CurrentFailPerSec += row.CurrentFailPerSec
		merged.TotalRequests += row.TotalRequests
		merged.TotalFailures += row.TotalFailures

		weight := row.CurrentRPS
		weightedAvg += row.AvgResponseTimeMs * weight
		weightedMedian += row.MedianResponseTimeMs * weight
		weightedP95 += row.P95ResponseTimeMs * weight

		if minNs < 0 || (row.MinResponseTimeMs > 0 && row.MinResponseTimeMs < minNs) {
			minNs = row.MinResponseTimeMs
		}
		if row.MaxResponseTimeMs > maxNs {
			maxNs = row.MaxResponseTimeMs
		}
	}

	totalWeight := merged.CurrentRPS
	if totalWeight > 0 {
		merged.AvgResponseTimeMs = weightedAvg / totalWeight
		merged.MedianResponseTimeMs = weightedMedian / totalWeight
		merged.P95ResponseTimeMs = weightedP95 / totalWeight
	}
	if minNs > 0 {
		merged.MinResponseTimeMs = minNs
	}
	merged.MaxResponseTimeMs = maxNs
	return merged
}

// mergeFinal combines each shard's terminal FinalSummary into the one
// row written for the task. Counts and token/TPS figures sum or
// re-derive cleanly; latency percentiles use the same request-weighted
// approximation as mergeRealtime (documented in DESIGN.md).
func mergeFinal(taskID string, summaries []models.FinalSummary) models.FinalSummary {
	merged := models.FinalSummary{
		TaskID:         taskID,
		CreatedAt:      time.Now(),
		FailuresByKind: models.FailureBreakdown{},
	}
	if len(summaries) == 0 {
		return merged
	}

	perLabel := map[string]*models.LabelStats{}
	var weightedMean, weightedP50, weightedP95, weightedP99 float64
	var minMs float64 = -1
	var maxMs float64

	for _, s := range summaries {
		merged.TotalRequests += s.TotalRequests
		merged.SuccessRequests += s.SuccessRequests
		merged.FailedRequests += s.FailedRequests
		merged.RPS += s.RPS
		merged.CompletionTPS += s.CompletionTPS
		merged.TotalTPS += s.TotalTPS
		merged.DroppedEvents += s.DroppedEvents
		merged.TTFTMeanMs += s.TTFTMeanMs * float64(s.TotalRequests)
		if s.TokensEstimated {
			merged.TokensEstimated = true
		}
		for kind, n := range s.FailuresByKind {
			merged.FailuresByKind[kind] += n
		}

		weight := float64(s.SuccessRequests)
		weightedMean += s.MeanLatencyMs * weight
		weightedP50 += s.P50LatencyMs * weight
		weightedP95 += s.P95LatencyMs * weight
		weightedP99 += s.P99LatencyMs * weight
		if minMs < 0 || (s.MinLatencyMs > 0 && s.MinLatencyMs < minMs) {
			minMs = s.MinLatencyMs
		}
		if s.MaxLatencyMs > maxMs {
			maxMs = s.MaxLatencyMs
		}

		for _, ls := range s.PerLabel {
			agg, ok := perLabel[ls.Label]
			if !ok {
				agg = &models.LabelStats{Label: ls.Label}
				perLabel[ls.Label] = agg
			}
			agg.Count += ls.Count
			agg.FailureCount += ls.FailureCount
			if agg.Max < ls.Max {
				agg.Max = ls.Max
			}
			if agg.Min == 0 || (ls.Min > 0 && ls.Min < agg.Min) {
				agg.Min = ls.Min
			}
		}
	}

	if merged.TotalRequests > 0 {
		merged.SuccessRate = float64(merged.SuccessRequests) / float64(merged.TotalRequests)
		merged.TTFTMeanMs /= float64(merged.TotalRequests)
	}
	if merged.SuccessRequests > 0 {
		merged.MeanLatencyMs = weightedMean / float64(merged.SuccessRequests)
		merged.P50LatencyMs = weightedP50 / float64(merged.SuccessRequests)
		merged.P95LatencyMs = weightedP95 / float64(merged.SuccessRequests)
		merged.P99LatencyMs = weightedP99 / float64(merged.SuccessRequests)
	}
	if minMs > 0 {
		merged.MinLatencyMs = minMs
	}
	merged.MaxLatencyMs = maxMs

	for _, agg := range perLabel {
		merged.PerLabel = append(merged.PerLabel, *agg)
	}
	return merged
}
