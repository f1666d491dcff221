package store

import (
	"context"
	"fmt"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// WriteRealtimeRow appends one snapshot to common_task_realtime_metrics.
// It implements pkg/metrics.RealtimeWriter so an Aggregator can be handed
// a *Store directly.
func (s *Store) WriteRealtimeRow(row models.RealtimeRow) error {
	return s.InsertRealtimeRow(context.Background(), row)
}

// InsertRealtimeRow is the context-aware form WriteRealtimeRow delegates
// to; call sites that already carry a context (the Runner's merge loop)
// should use this directly.
func (s *Store) InsertRealtimeRow(ctx context.Context, row models.RealtimeRow) error {
	const query = `
		INSERT INTO common_task_realtime_metrics
			(task_id, timestamp, current_users, current_rps, current_fail_per_sec,
			 avg_response_time, min_response_time, max_response_time, median_response_time,
			 p95_response_time, total_requests, total_failures, warmup)
		VALUES
			(:task_id, :timestamp, :current_users, :current_rps, :current_fail_per_sec,
			 :avg_response_time, :min_response_time, :max_response_time, :median_response_time,
			 :p95_response_time, :total_requests, :total_failures, :warmup)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("inserting realtime row for %s: %w", row.TaskID, err)
	}
	return nil
}
