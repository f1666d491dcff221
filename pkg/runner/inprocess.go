package runner

import (
	"context"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/dataset"
	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/metrics"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/scheduler"
	"github.com/MigoXLab/lmeterx/pkg/vuser"
)

// realtimeAdapter adapts the context-aware Store interface to
// metrics.RealtimeWriter, which the aggregator was written against
// before this package introduced context-carrying calls everywhere.
type realtimeAdapter struct {
	ctx context.Context
	st  Store
}

func (a realtimeAdapter) WriteRealtimeRow(row models.RealtimeRow) error {
	return a.st.InsertRealtimeRow(a.ctx, row)
}

// runSingleProcess wires C1-C5 directly in this process: one Dataset,
// one Cursor, one Bus, one Aggregator, one Scheduler driving
// task.ConcurrentUsers virtual users. This is the common path; the
// sharded path in shard_process.go runs this same pipeline once per
// child process with a narrower ConcurrentUsers slice and a cursor
// offset, and ships its Aggregator output over IPC instead of to Store.
func (r *Runner) runSingleProcess(ctx context.Context, task *models.Task, ds *dataset.Dataset) (models.FinalSummary, func() int, error) {
	return runPipeline(ctx, pipelineArgs{
		cfg:         r.Cfg,
		task:        task,
		ds:          ds,
		cursorStart: 0,
		concurrency: task.ConcurrentUsers,
		writer:      realtimeAdapter{ctx: ctx, st: r.Store},
	})
}

type pipelineArgs struct {
	cfg         *config.Config
	task        *models.Task
	ds          *dataset.Dataset
	cursorStart uint64
	concurrency int
	writer      metrics.RealtimeWriter
}

// runPipeline is the shard-agnostic core: build a Dataset Cursor at the
// given offset, a bounded event Bus, a Scheduler driving `concurrency`
// virtual users against task's LoadProfile (with concurrency substituted
// for task.ConcurrentUsers so shard slices ramp correctly), and an
// Aggregator flushing to writer. It blocks until the Scheduler fully
// drains, then returns the FinalSummary.
func runPipeline(ctx context.Context, a pipelineArgs) (models.FinalSummary, func() int, error) {
	mapping := models.FieldMapping{}
	if a.task.IsLLM() {
		resolved, err := config.ResolveFieldMapping(a.task.APIType, a.task.FieldMapping, a.task.StreamMode)
		if err != nil {
			return models.FinalSummary{}, nil, err
		}
		mapping = resolved
	}

	timeouts := vuser.ClientTimeouts{
		Connect: a.cfg.ConnectTimeout,
		Read:    a.cfg.ReadTimeout,
		Total:   a.cfg.TotalTimeout,
	}

	cursor := a.ds.NewCursor(a.cursorStart)
	bus := metrics.NewBus(8 * maxInt(a.concurrency, 1))

	var sched *scheduler.Scheduler
	activeUsers := func() int {
		if sched == nil {
			return 0
		}
		return sched.ActiveUsers()
	}

	aggregator := metrics.NewAggregator(a.task.ID, bus, a.writer, activeUsers)
	aggDone := make(chan struct{})
	aggStopped := make(chan struct{})
	go func() {
		defer close(aggStopped)
		aggregator.Run(aggDone)
	}()

	profile := a.task.LoadProfile
	profile.ConcurrentUsers = a.concurrency
	if profile.LoadMode == models.LoadModeStepped {
		profile.StepMaxUsers = scaleStep(profile.StepMaxUsers, a.task.ConcurrentUsers, a.concurrency)
		profile.StepStartUsers = scaleStep(profile.StepStartUsers, a.task.ConcurrentUsers, a.concurrency)
		profile.StepIncrement = maxInt(scaleStep(profile.StepIncrement, a.task.ConcurrentUsers, a.concurrency), 1)
	}

	spawn := func(vuCtx context.Context, idx int, isWarmup func() bool) {
		client, err := vuser.NewHTTPClient(a.task.CertConfig, timeouts, a.cfg.UploadDir)
		if err != nil {
			bus.Emit(event.RequestEvent{
				EndpointLabel: event.LabelRequest,
				FailureKind:   event.FailureConnect,
				OK:            false,
			})
			return
		}
		vu := &vuser.VirtualUser{
			ID:       idx,
			Client:   client,
			Task:     a.task,
			Mapping:  mapping,
			Cursor:   cursor,
			Events:   bus,
			IsWarmup: isWarmup,
		}
		vu.Run(vuCtx)
	}

	sched = scheduler.New(profile, spawn, a.cfg.DrainTimeout, bus)

	start := time.Now()
	schedErr := sched.Run(ctx)

	bus.Close()
	close(aggDone)
	<-aggStopped

	elapsed := time.Since(start)
	if profile.WarmupEnabled {
		elapsed -= profile.WarmupDuration
		if elapsed < 0 {
			elapsed = 0
		}
	}

	summary := aggregator.FinalSummary(a.task.ID, elapsed)
	summary.DroppedEvents += sched.CancelledCount()

	if schedErr != nil && ctx.Err() == nil {
		return summary, activeUsers, schedErr
	}
	return summary, activeUsers, nil
}

func scaleStep(v, from, to int) int {
	if from <= 0 {
		return v
	}
	scaled := v * to / from
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
