package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

func TestMergeRealtime_SumsCounts(t *testing.T) {
	rows := []models.RealtimeRow{
		{CurrentUsers: 10, CurrentRPS: 5, TotalRequests: 100, TotalFailures: 1, AvgResponseTimeMs: 20, MaxResponseTimeMs: 30},
		{CurrentUsers: 20, CurrentRPS: 15, TotalRequests: 200, TotalFailures: 2, AvgResponseTimeMs: 40, MaxResponseTimeMs: 50},
	}
	merged := mergeRealtime("task-1", rows)
	require.Equal(t, "task-1", merged.TaskID)
	require.Equal(t, 30, merged.CurrentUsers)
	require.Equal(t, int64(300), merged.TotalRequests)
	require.Equal(t, int64(3), merged.TotalFailures)
	require.Equal(t, 50.0, merged.MaxResponseTimeMs)
	require.InDelta(t, 35.0, merged.AvgResponseTimeMs, 0.01)
}

func TestMergeRealtime_Empty(t *testing.T) {
	merged := mergeRealtime("task-1", nil)
	require.Equal(t, "task-1", merged.TaskID)
	require.Equal(t, int64(0), merged.TotalRequests)
}

func TestMergeFinal_SumsAndWeights(t *testing.T) {
	summaries := []models.FinalSummary{
		{
			TotalRequests: 100, SuccessRequests: 95, FailedRequests: 5,
			MeanLatencyMs: 10, P95LatencyMs: 20, FailuresByKind: models.FailureBreakdown{"TIMEOUT": 5},
			PerLabel: []models.LabelStats{{Label: "request", Count: 100}},
		},
		{
			TotalRequests: 100, SuccessRequests: 90, FailedRequests: 10,
			MeanLatencyMs: 30, P95LatencyMs: 40, FailuresByKind: models.FailureBreakdown{"CONNECT": 10},
			PerLabel: []models.LabelStats{{Label: "request", Count: 100}},
		},
	}
	merged := mergeFinal("task-1", summaries)
	require.Equal(t, int64(200), merged.TotalRequests)
	require.Equal(t, int64(185), merged.SuccessRequests)
	require.Equal(t, int64(15), merged.FailedRequests)
	require.Equal(t, int64(5), merged.FailuresByKind["TIMEOUT"])
	require.Equal(t, int64(10), merged.FailuresByKind["CONNECT"])
	require.InDelta(t, float64(185)/200, merged.SuccessRate, 0.001)
	require.Len(t, merged.PerLabel, 1)
	require.Equal(t, int64(200), merged.PerLabel[0].Count)
}
