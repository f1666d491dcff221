// Package metrics consumes RequestEvents and maintains per-label running
// statistics, a mergeable approximate-quantile sketch, periodic
// real-time snapshots, and the final task summary.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/event"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

// Bus is a bounded event.Sink: producers never block. A full buffer
// drops the event and increments a counter instead, matching spec §4.5's
// "capacity ≈ 8× concurrent_users, dropped-with-counter on overflow."
type Bus struct {
	ch      chan event.RequestEvent
	dropped atomic.Int64
}

// NewBus returns a Bus with the given buffer capacity.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ch: make(chan event.RequestEvent, capacity)}
}

// Emit implements event.Sink.
func (b *Bus) Emit(e event.RequestEvent) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to overflow.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Chan exposes the receive side for the Aggregator's consumer loop.
func (b *Bus) Chan() <-chan event.RequestEvent { return b.ch }

// Close closes the underlying channel; callers must ensure no further
// Emit calls occur afterward.
func (b *Bus) Close() { close(b.ch) }

type labelStats struct {
	mu               sync.Mutex
	count            int64
	failureCount     int64
	failuresByKind   map[event.FailureKind]int64
	sumNs            float64
	min              int64
	max              int64
	sketch           *Sketch
	promptTokens     int64
	completionTokens int64
	totalTokens      int64
	tokensEstimated  bool

	// windowRequests/windowFailures count events since the last 1s flush.
	windowRequests int64
	windowFailures int64
}

func newLabelStats() *labelStats {
	return &labelStats{failuresByKind: make(map[event.FailureKind]int64), sketch: NewSketch(), min: -1}
}

func (ls *labelStats) record(e event.RequestEvent) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// CANCELLED (abandoned at drain) is tallied by kind only: it is
	// neither a request sample nor a failure.
	if e.FailureKind == event.FailureCancelled {
		ls.failuresByKind[e.FailureKind]++
		return
	}

	ls.count++
	ls.windowRequests++
	if !e.OK {
		ls.failureCount++
		ls.windowFailures++
		ls.failuresByKind[e.FailureKind]++
		return
	}

	latency := e.LatencyNs()
	ls.sumNs += float64(latency)
	ls.sketch.Add(float64(latency))
	if ls.min < 0 || latency < ls.min {
		ls.min = latency
	}
	if latency > ls.max {
		ls.max = latency
	}
	ls.promptTokens += e.PromptTokens
	ls.completionTokens += e.CompletionTokens
	ls.totalTokens += e.TotalTokens
	if e.TokensEstimated {
		ls.tokensEstimated = true
	}
}

// Aggregator is the single consumer of a Bus: it owns all aggregation
// state exclusively, so no locking is needed across labels beyond each
// label's own mutex (shared only with the periodic flush/summary
// readers).
type Aggregator struct {
	bus    *Bus
	store  RealtimeWriter
	taskID string

	mu     sync.Mutex
	labels map[string]*labelStats

	activeUsers func() int
	startedAt   time.Time
	warmupEnd   time.Duration

	dropped       int64
	cumulativeReq int64
	cumulativeFail int64
}

// RealtimeWriter is the minimal store dependency the Aggregator needs to
// persist a 1Hz snapshot; pkg/store implements it against Postgres.
type RealtimeWriter interface {
	WriteRealtimeRow(row models.RealtimeRow) error
}

// NewAggregator builds an Aggregator draining bus and periodically
// flushing through store for taskID. activeUsers reports the scheduler's
// current live VU count for each snapshot.
func NewAggregator(taskID string, bus *Bus, store RealtimeWriter, activeUsers func() int) *Aggregator {
	return &Aggregator{
		bus:         bus,
		store:       store,
		taskID:      taskID,
		labels:      make(map[string]*labelStats),
		activeUsers: activeUsers,
		startedAt:   time.Now(),
	}
}

func (a *Aggregator) labelFor(name string) *labelStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.labels[name]
	if !ok {
		ls = newLabelStats()
		a.labels[name] = ls
	}
	return ls
}

// Run drains the bus and flushes a real-time row every second. It
// returns once the bus is closed and empty, or once done is closed after
// consuming the events still buffered; either way it flushes first.
func (a *Aggregator) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ch := a.bus.Chan()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				a.flush()
				return
			}
			a.consume(e)
		case <-ticker.C:
			a.flush()
		case <-done:
			for len(ch) > 0 {
				a.consume(<-ch)
			}
			a.flush()
			return
		}
	}
}

func (a *Aggregator) consume(e event.RequestEvent) {
	if e.Warmup {
		return
	}
	a.labelFor(e.EndpointLabel).record(e)
	if e.FailureKind == event.FailureCancelled {
		return
	}
	a.cumulativeReq++
	if !e.OK {
		a.cumulativeFail++
	}
}

func (a *Aggregator) flush() {
	if a.store == nil {
		a.resetWindows()
		return
	}

	var sumRespNs, okCount, windowReq, windowFail int64
	var minNs, maxNs int64 = -1, 0
	combined := NewSketch()

	a.mu.Lock()
	for _, ls := range a.labels {
		ls.mu.Lock()
		windowReq += ls.windowRequests
		windowFail += ls.windowFailures
		if ls.min >= 0 && (minNs < 0 || ls.min < minNs) {
			minNs = ls.min
		}
		if ls.max > maxNs {
			maxNs = ls.max
		}
		combined.Merge(ls.sketch)
		sumRespNs += int64(ls.sumNs)
		okCount += ls.count - ls.failureCount
		ls.windowRequests = 0
		ls.windowFailures = 0
		ls.mu.Unlock()
	}
	a.mu.Unlock()

	medianNs := combined.Quantile(0.5)
	p95Ns := combined.Quantile(0.95)

	if minNs < 0 {
		minNs = 0
	}

	row := models.RealtimeRow{
		TaskID:                a.taskID,
		Timestamp:             time.Now(),
		CurrentUsers:          a.currentUsers(),
		CurrentRPS:            float64(windowReq),
		CurrentFailPerSec:     float64(windowFail),
		MinResponseTimeMs:     nsToMs(minNs),
		MaxResponseTimeMs:     nsToMs(maxNs),
		MedianResponseTimeMs:  nsToMs(int64(medianNs)),
		P95ResponseTimeMs:     nsToMs(int64(p95Ns)),
		TotalRequests:         a.cumulativeReq,
		TotalFailures:         a.cumulativeFail,
	}
	if okCount > 0 {
		row.AvgResponseTimeMs = nsToMs(sumRespNs / okCount)
	}

	_ = a.store.WriteRealtimeRow(row)
}

func (a *Aggregator) resetWindows() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ls := range a.labels {
		ls.mu.Lock()
		ls.windowRequests = 0
		ls.windowFailures = 0
		ls.mu.Unlock()
	}
}

func (a *Aggregator) currentUsers() int {
	if a.activeUsers == nil {
		return 0
	}
	return a.activeUsers()
}

func nsToMs(ns int64) float64 {
	return float64(ns) / 1e6
}
