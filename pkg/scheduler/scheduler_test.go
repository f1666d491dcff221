package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

func noLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// chanSink adapts a plain channel to event.Sink for tests.
type chanSink chan event.RequestEvent

func (s chanSink) Emit(e event.RequestEvent) { s <- e }

func TestScheduler_FixedNoWarmupReachesTarget(t *testing.T) {
	var started int64
	spawn := func(ctx context.Context, idx int, isWarmup func() bool) {
		atomic.AddInt64(&started, 1)
		<-ctx.Done()
	}

	profile := models.LoadProfile{
		ConcurrentUsers: 5,
		SpawnRate:       50,
		Duration:        50 * time.Millisecond,
	}
	events := make(chanSink, 16)
	sched := New(profile, spawn, time.Second, events)

	require.NoError(t, sched.Run(context.Background()))
	assert.Equal(t, int64(5), atomic.LoadInt64(&started))
	assert.Equal(t, StateDone, sched.State())
	assert.Equal(t, 0, sched.ActiveUsers())
}

func TestScheduler_WarmupTagsEventsAsWarmup(t *testing.T) {
	var sawWarmup int32
	spawn := func(ctx context.Context, idx int, isWarmup func() bool) {
		if isWarmup() {
			atomic.StoreInt32(&sawWarmup, 1)
		}
		<-ctx.Done()
	}

	profile := models.LoadProfile{
		ConcurrentUsers: 2,
		SpawnRate:       50,
		Duration:        20 * time.Millisecond,
		WarmupEnabled:   true,
		WarmupDuration:  10 * time.Millisecond,
	}
	events := make(chanSink, 16)
	sched := New(profile, spawn, time.Second, events)
	require.NoError(t, sched.Run(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawWarmup))
}

func TestScheduler_SteppedRampsToMax(t *testing.T) {
	var maxSeen int64
	spawn := func(ctx context.Context, idx int, isWarmup func() bool) {
		atomic.AddInt64(&maxSeen, 1)
		<-ctx.Done()
	}

	profile := models.LoadProfile{
		LoadMode:            models.LoadModeStepped,
		SpawnRate:           100,
		StepStartUsers:      2,
		StepIncrement:       2,
		StepDuration:        5 * time.Millisecond,
		StepMaxUsers:        6,
		StepSustainDuration: 5 * time.Millisecond,
	}
	events := make(chanSink, 16)
	sched := New(profile, spawn, time.Second, events)
	require.NoError(t, sched.Run(context.Background()))
	assert.Equal(t, int64(6), atomic.LoadInt64(&maxSeen))
}

func TestScheduler_DrainAbandonsSlowVUsAsCancelled(t *testing.T) {
	spawn := func(ctx context.Context, idx int, isWarmup func() bool) {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond) // outlives the drain timeout
	}

	profile := models.LoadProfile{
		ConcurrentUsers: 3,
		SpawnRate:       100,
		Duration:        10 * time.Millisecond,
	}
	events := make(chanSink, 16)
	sched := New(profile, spawn, 20*time.Millisecond, events)
	require.NoError(t, sched.Run(context.Background()))

	assert.Equal(t, int64(3), sched.CancelledCount())
	close(events)
	var got []event.RequestEvent
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 3)
	for _, e := range got {
		assert.Equal(t, event.FailureCancelled, e.FailureKind)
	}
}

func TestScheduler_RetireNewestOnReduction(t *testing.T) {
	var activePeak int64
	spawn := func(ctx context.Context, idx int, isWarmup func() bool) {
		<-ctx.Done()
	}
	profile := models.LoadProfile{ConcurrentUsers: 4, SpawnRate: 1000}
	sched := New(profile, spawn, time.Second, nil)

	ctx := context.Background()
	require.NoError(t, sched.rampTo(ctx, 4, 0, noLimiter()))
	activePeak = int64(sched.ActiveUsers())
	assert.Equal(t, int64(4), activePeak)

	sched.retireNewest(2)
	assert.Equal(t, 2, sched.ActiveUsers())
	sched.drain()
}
