package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// heartbeatWatch periodically checks every task this Dispatcher has a
// live subprocess for; if its most recent real-time row is older than
// HeartbeatTimeout (or it has never written one past a grace period),
// the subprocess is presumed stuck and is stopped, with the task marked
// FAILED. Generalized from the teacher's detectAndRecoverOrphans, which
// does the same staleness check against last_interaction_at.
func (d *Dispatcher) heartbeatWatch(ctx context.Context) {
	interval := d.cfg.HeartbeatTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkHeartbeats(ctx)
		}
	}
}

func (d *Dispatcher) checkHeartbeats(ctx context.Context) {
	d.mu.RLock()
	tasks := make([]RunningTask, 0, len(d.running))
	for _, rt := range d.running {
		tasks = append(tasks, rt)
	}
	d.mu.RUnlock()

	for _, rt := range tasks {
		lastAt, ok, err := d.store.LastRealtimeAt(ctx, rt.TaskID)
		if err != nil {
			slog.Warn("checking heartbeat failed", "task_id", rt.TaskID, "error", err)
			continue
		}
		if ok && time.Since(lastAt) < d.cfg.HeartbeatTimeout {
			continue
		}
		if !ok {
			// No row yet: HeartbeatTimeout from started_at is the grace period.
			t, err := d.store.GetTask(ctx, rt.TaskID)
			if err != nil || t.StartedAt == nil || time.Since(*t.StartedAt) < d.cfg.HeartbeatTimeout {
				continue
			}
		}

		slog.Warn("task heartbeat stale, stopping subprocess", "task_id", rt.TaskID, "last_realtime_at", lastAt)
		if rt.Stop != nil {
			if err := rt.Stop(); err != nil {
				slog.Error("stopping stale runner failed", "task_id", rt.TaskID, "error", err)
			}
		}

		task, err := d.store.GetTask(ctx, rt.TaskID)
		if err != nil {
			slog.Error("fetching task for stale-heartbeat recovery failed", "task_id", rt.TaskID, "error", err)
			continue
		}
		if err := d.store.UpdateTaskStatus(ctx, task.ID, task.Kind, models.StatusFailed, "HEARTBEAT_TIMEOUT"); err != nil {
			slog.Error("marking stale task failed", "task_id", rt.TaskID, "error", err)
		}
	}
}
