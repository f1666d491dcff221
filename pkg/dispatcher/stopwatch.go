package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// stopWatch polls each task this Dispatcher is running for a
// caller-requested STOPPING transition (written by the API layer this
// engine never implements directly) and forwards it as a graceful stop
// to the Runner subprocess, which drains in-flight virtual users and
// exits STOPPED on its own per pkg/runner's terminalStatus logic.
func (d *Dispatcher) stopWatch(ctx context.Context) {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopped := make(map[string]bool)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkStopRequests(ctx, stopped)
		}
	}
}

func (d *Dispatcher) checkStopRequests(ctx context.Context, alreadyStopped map[string]bool) {
	d.mu.RLock()
	tasks := make([]RunningTask, 0, len(d.running))
	for _, rt := range d.running {
		tasks = append(tasks, rt)
	}
	d.mu.RUnlock()

	for _, rt := range tasks {
		if alreadyStopped[rt.TaskID] {
			continue
		}
		task, err := d.store.GetTask(ctx, rt.TaskID)
		if err != nil {
			slog.Warn("checking stop request failed", "task_id", rt.TaskID, "error", err)
			continue
		}
		if task.Status != models.StatusStopping {
			continue
		}
		slog.Info("forwarding stop request to runner subprocess", "task_id", rt.TaskID)
		if rt.Stop != nil {
			if err := rt.Stop(); err != nil {
				slog.Error("stopping runner failed", "task_id", rt.TaskID, "error", err)
			}
		}
		alreadyStopped[rt.TaskID] = true
	}
}
