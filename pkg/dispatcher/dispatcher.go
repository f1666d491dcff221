// Package dispatcher claims pending tasks from the store, runs each in
// its own Task Runner subprocess, and recovers tasks orphaned by a
// previous crash. Directly grounded on the teacher's
// pkg/queue/{pool,worker,orphan}.go: WorkerPool -> Dispatcher,
// Worker.pollAndProcess -> Dispatcher.pollAndLaunch,
// runOrphanDetection/CleanupStartupOrphans -> Dispatcher's heartbeat
// watcher and startup recovery pass.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/store"
)

// Store is the subset of *store.Store the Dispatcher needs.
type Store interface {
	ClaimNextTask(ctx context.Context, dispatcherID string) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, kind models.Kind, next models.Status, errMsg string) error
	RecoverStaleTasks(ctx context.Context) (int64, error)
	LastRealtimeAt(ctx context.Context, taskID string) (time.Time, bool, error)
}

// ErrNoTasksAvailable is returned by pollAndLaunch's claim step when
// neither task table has a claimable row. Aliases store.ErrNoTasksAvailable
// so callers outside this package don't need to import pkg/store just to
// recognize it; mirrors the teacher's queue.ErrNoSessionsAvailable
// sentinel-error idiom.
var ErrNoTasksAvailable = store.ErrNoTasksAvailable

var _ Store = (*store.Store)(nil)

// RunnerLauncher starts one Task Runner subprocess for task and returns
// once it has been launched (not once it completes). Implemented by
// pkg/dispatcher/process.go's osProcessLauncher in production and by a
// fake in tests.
type RunnerLauncher interface {
	Launch(ctx context.Context, task *models.Task) (RunningTask, error)
}

// RunningTask is a handle to a launched Task Runner subprocess.
type RunningTask struct {
	TaskID string
	PID    int
	Done   <-chan error // closed with the subprocess's exit error (nil on success)
	Stop   func() error // best-effort graceful stop (SIGTERM on Unix)
}

// Dispatcher is one instance of the claim/launch/recover loop; multiple
// Dispatchers (one per pod/host) run against the same Store
// concurrently, coordinated only by the store's FOR UPDATE SKIP LOCKED
// claim and each Dispatcher's unique ID.
type Dispatcher struct {
	id      string
	store   Store
	launch  RunnerLauncher
	cfg     *config.Config

	mu      sync.RWMutex
	running map[string]RunningTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Dispatcher with a fresh UUID identity, used as the
// fencing token stamped on every task it claims.
func New(cfg *config.Config, st Store, launcher RunnerLauncher) *Dispatcher {
	return &Dispatcher{
		id:      uuid.NewString(),
		store:   st,
		launch:  launcher,
		cfg:     cfg,
		running: make(map[string]RunningTask),
		stopCh:  make(chan struct{}),
	}
}

// ID returns this Dispatcher's fencing-token identity.
func (d *Dispatcher) ID() string { return d.id }

// Start recovers any task orphaned by a previous Dispatcher crash
// (LOCKED/RUNNING with no live PID, regardless of which instance
// claimed it — see Store.RecoverStaleTasks), then launches the claim
// loop, heartbeat-timeout watcher, and stop-request watcher as
// background goroutines.
func (d *Dispatcher) Start(ctx context.Context) error {
	log := slog.With("dispatcher_id", d.id)

	recovered, err := d.store.RecoverStaleTasks(ctx)
	if err != nil {
		return fmt.Errorf("recovering stale claims: %w", err)
	}
	if recovered > 0 {
		log.Warn("recovered tasks orphaned by a previous crash", "count", recovered)
	}

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.claimLoop(ctx) }()
	go func() { defer d.wg.Done(); d.heartbeatWatch(ctx) }()
	go func() { defer d.wg.Done(); d.stopWatch(ctx) }()

	log.Info("dispatcher started")
	return nil
}

// Stop signals all background loops to exit and waits for them.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// ActiveCount returns how many tasks this Dispatcher currently has a
// live Runner subprocess for.
func (d *Dispatcher) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.running)
}

func (d *Dispatcher) claimLoop(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := d.pollAndLaunch(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					d.sleep(d.cfg.PollInterval)
					continue
				}
				slog.Error("claim/launch failed", "error", err)
				d.sleep(time.Second)
			}
		}
	}
}

func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(dur):
	}
}

// pollAndLaunch claims the oldest CREATED task (fencing it to this
// Dispatcher's ID) and launches its Runner subprocess. Mirrors
// Worker.pollAndProcess's claim-then-execute shape, generalized to a
// non-blocking launch (the subprocess's exit is observed asynchronously
// by a goroutine, not by pollAndLaunch itself, since a Runner subprocess
// can run far longer than one poll tick).
func (d *Dispatcher) pollAndLaunch(ctx context.Context) error {
	task, err := d.store.ClaimNextTask(ctx, d.id)
	if err != nil {
		if errors.Is(err, store.ErrNoTasksAvailable) {
			return ErrNoTasksAvailable
		}
		claimFailuresTotal.Inc()
		return fmt.Errorf("claiming task: %w", err)
	}
	claimsTotal.Inc()

	log := slog.With("task_id", task.ID, "dispatcher_id", d.id)
	log.Info("task claimed")

	running, err := d.launch.Launch(ctx, task)
	if err != nil {
		_ = d.store.UpdateTaskStatus(ctx, task.ID, task.Kind, models.StatusFailed, err.Error())
		return fmt.Errorf("launching runner for task %s: %w", task.ID, err)
	}

	d.mu.Lock()
	d.running[task.ID] = running
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, task.ID)
			d.mu.Unlock()
		}()
		if err := <-running.Done; err != nil {
			log.Error("runner subprocess exited with error", "error", err)
		} else {
			log.Info("runner subprocess exited cleanly")
		}
	}()

	return nil
}
