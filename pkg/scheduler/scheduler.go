// Package scheduler brings a virtual-user population up to a task's
// load profile, holds it there for the configured duration, and drains
// it cooperatively on cancellation. Grounded on the ramp-ticker shape in
// the pack's load-test runner, generalized to warmup/stepped profiles
// and rewritten around a single context.Context cancellation primitive.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

// State names one node of the scheduler's state machine: IDLE → WARMUP?
// → RAMP → PLATEAU → DRAIN → DONE, with a direct edge from any state to
// DRAIN on cancellation.
type State string

const (
	StateIdle    State = "IDLE"
	StateWarmup  State = "WARMUP"
	StateRamp    State = "RAMP"
	StatePlateau State = "PLATEAU"
	StateDrain   State = "DRAIN"
	StateDone    State = "DONE"
)

// SpawnFunc starts one virtual user bound to ctx; it must return once ctx
// is cancelled. isWarmup reports whether the Scheduler currently
// considers itself to be in the warmup phase, read by the VU to tag its
// emitted events.
type SpawnFunc func(ctx context.Context, vuIndex int, isWarmup func() bool)

// Scheduler drives VU population against one task's LoadProfile.
type Scheduler struct {
	profile      models.LoadProfile
	spawn        SpawnFunc
	drainTimeout time.Duration
	events       event.Sink

	mu       sync.Mutex
	state    State
	inWarmup bool
	vus      []vuHandle

	activeCount    int
	cancelledCount int64
}

type vuHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler for profile. events is used only to emit
// CANCELLED markers for virtual users abandoned after the drain timeout
// elapses; it is never used for ordinary request accounting (that's the
// VU's job via the same channel).
func New(profile models.LoadProfile, spawn SpawnFunc, drainTimeout time.Duration, events event.Sink) *Scheduler {
	return &Scheduler{
		profile:      profile,
		spawn:        spawn,
		drainTimeout: drainTimeout,
		events:       events,
		state:        StateIdle,
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveUsers returns the current live virtual-user count.
func (s *Scheduler) ActiveUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// CancelledCount returns how many virtual users were abandoned (not
// failed) at drain.
func (s *Scheduler) CancelledCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledCount
}

func (s *Scheduler) isWarmup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inWarmup
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the scheduler to completion: ramp/warmup, hold for
// duration, then drain. It returns when the run has fully drained (or
// ctx was cancelled and drain completed/timed out).
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var err error
	if s.profile.LoadMode == models.LoadModeStepped {
		err = s.runStepped(runCtx)
	} else {
		err = s.runFixed(runCtx)
	}

	s.setState(StateDrain)
	s.drain()
	s.setState(StateDone)
	return err
}

func (s *Scheduler) runFixed(ctx context.Context) error {
	limiter := rate.NewLimiter(spawnLimit(s.profile.SpawnRate), 1)

	if s.profile.WarmupEnabled && s.profile.WarmupDuration > 0 {
		s.mu.Lock()
		s.inWarmup = true
		s.mu.Unlock()
		s.setState(StateWarmup)
		if err := s.rampTo(ctx, s.profile.ConcurrentUsers, s.profile.WarmupDuration, limiter); err != nil {
			return err
		}
		s.mu.Lock()
		s.inWarmup = false
		s.mu.Unlock()
	} else {
		s.setState(StateRamp)
		if err := s.rampTo(ctx, s.profile.ConcurrentUsers, 0, limiter); err != nil {
			return err
		}
	}

	s.setState(StatePlateau)
	return s.hold(ctx, s.profile.Duration)
}

func (s *Scheduler) runStepped(ctx context.Context) error {
	limiter := rate.NewLimiter(spawnLimit(s.profile.SpawnRate), 1)

	s.setState(StateRamp)
	target := s.profile.StepStartUsers
	if err := s.rampTo(ctx, target, 0, limiter); err != nil {
		return err
	}

	for target < s.profile.StepMaxUsers {
		if err := s.hold(ctx, s.profile.StepDuration); err != nil {
			return err
		}
		target += s.profile.StepIncrement
		if target > s.profile.StepMaxUsers {
			target = s.profile.StepMaxUsers
		}
		if err := s.rampTo(ctx, target, 0, limiter); err != nil {
			return err
		}
	}

	s.setState(StatePlateau)
	return s.hold(ctx, s.profile.StepSustainDuration)
}

// rampTo brings the population to target over rampDuration (0 means "as
// fast as spawnRate allows"), smoothed by limiter. Reductions cancel the
// newest virtual users first.
func (s *Scheduler) rampTo(ctx context.Context, target int, rampDuration time.Duration, limiter *rate.Limiter) error {
	s.mu.Lock()
	current := s.activeCount
	s.mu.Unlock()

	if target == current {
		return nil
	}

	if target < current {
		s.retireNewest(current - target)
		return nil
	}

	toAdd := target - current
	var perStep time.Duration
	if rampDuration > 0 && toAdd > 0 {
		perStep = rampDuration / time.Duration(toAdd)
	}

	for i := 0; i < toAdd; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		s.spawnOne(ctx)
		if perStep > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(perStep):
			}
		}
	}
	return nil
}

func (s *Scheduler) spawnOne(ctx context.Context) {
	vuCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	idx := len(s.vus)
	s.vus = append(s.vus, vuHandle{cancel: cancel, done: done})
	s.activeCount++
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.spawn(vuCtx, idx, s.isWarmup)
	}()
}

// retireNewest cancels the n most recently spawned virtual users.
func (s *Scheduler) retireNewest(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n && len(s.vus) > 0; i++ {
		last := len(s.vus) - 1
		s.vus[last].cancel()
		s.vus = s.vus[:last]
		s.activeCount--
	}
}

func (s *Scheduler) hold(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// drain cancels all virtual users and waits up to drainTimeout for them
// to return; any still running past the deadline are abandoned and
// counted as CANCELLED, not failures.
func (s *Scheduler) drain() {
	s.mu.Lock()
	handles := make([]vuHandle, len(s.vus))
	copy(handles, s.vus)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	// A time.Timer's channel delivers to exactly one receiver; broadcast
	// the deadline to all drain goroutines via a closed channel instead.
	deadline := make(chan struct{})
	timer := time.AfterFunc(s.drainTimeout, func() { close(deadline) })
	defer timer.Stop()

	var wg sync.WaitGroup
	remaining := make(chan int, len(handles))
	for i, h := range handles {
		wg.Add(1)
		go func(i int, done <-chan struct{}) {
			defer wg.Done()
			select {
			case <-done:
			case <-deadline:
				remaining <- i
			}
		}(i, h.done)
	}
	wg.Wait()
	close(remaining)

	abandoned := int64(len(remaining))
	s.mu.Lock()
	s.cancelledCount += abandoned
	s.activeCount = 0
	s.mu.Unlock()
	if abandoned == 0 {
		return
	}

	if s.events == nil {
		return
	}
	now := time.Now().UnixNano()
	for range remaining {
		s.events.Emit(event.RequestEvent{
			EndpointLabel: event.LabelRequest,
			StartNs:       now,
			EndNs:         now,
			OK:            false,
			FailureKind:   event.FailureCancelled,
		})
	}
}

func spawnLimit(usersPerSecond float64) rate.Limit {
	if usersPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(usersPerSecond)
}
