// Package health tracks the rolling health of a reconciliation component.
package health

import (
	"sync"
	"time"
)

// ComponentHealth is the snapshot polled by external monitoring.
type ComponentHealth struct {
	IsHealthy        bool      `json:"is_healthy"`
	LastCheck        time.Time `json:"last_check"`
	ErrorCount       uint64    `json:"error_count"`
	UptimeSeconds    uint64    `json:"uptime_seconds"`
	PerformanceScore float64   `json:"performance_score"` // 0.0 to 1.0
	LastError        string    `json:"last_error,omitempty"`
}

// ScoreWeights defines importance of each signal
type ScoreWeights struct {
	Latency   float64
	ErrorRate float64
}

type sample struct {
	latency time.Duration
	failed  bool
}

const historySize = 100

// Tracker records operation outcomes and derives a ComponentHealth.
type Tracker struct {
	mu         sync.RWMutex
	started    time.Time
	errorCount uint64
	lastError  string
	history    []sample
	weights    ScoreWeights
	slowAfter  time.Duration
	threshold  float64
	now        func() time.Time
}

// NewTracker creates a tracker with default weights. Operations slower than
// slowAfter lose latency score; the component is healthy while its score is
// at or above 0.5.
func NewTracker(slowAfter time.Duration) *Tracker {
	if slowAfter <= 0 {
		slowAfter = 100 * time.Millisecond
	}
	return &Tracker{
		started:   time.Now(),
		weights:   ScoreWeights{Latency: 0.3, ErrorRate: 0.7},
		slowAfter: slowAfter,
		threshold: 0.5,
		now:       time.Now,
	}
}

// RecordSuccess records a completed operation.
func (t *Tracker) RecordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(sample{latency: latency})
}

// RecordError records a failed operation.
func (t *Tracker) RecordError(latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
	if err != nil {
		t.lastError = err.Error()
	}
	t.record(sample{latency: latency, failed: true})
}

// record appends s to the history. Callers hold t.mu.
func (t *Tracker) record(s sample) {
	// Keep history (last 100 samples)
	t.history = append(t.history, s)
	if len(t.history) > historySize {
		t.history = t.history[1:]
	}
}

// Check returns the current health snapshot.
func (t *Tracker) Check() ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	score := t.score()
	return ComponentHealth{
		IsHealthy:        score >= t.threshold,
		LastCheck:        now,
		ErrorCount:       t.errorCount,
		UptimeSeconds:    uint64(now.Sub(t.started) / time.Second),
		PerformanceScore: score,
		LastError:        t.lastError,
	}
}

// score must be called with the read lock held.
func (t *Tracker) score() float64 {
	if len(t.history) == 0 {
		return 1.0
	}

	var failed int
	var total time.Duration
	for _, s := range t.history {
		if s.failed {
			failed++
		}
		total += s.latency
	}
	errorScore := 1.0 - float64(failed)/float64(len(t.history))

	// Perfect up to slowAfter, falls to zero at 10x slowAfter
	avg := total / time.Duration(len(t.history))
	latencyScore := 1.0
	if avg > t.slowAfter {
		latencyScore = 1.0 - float64(avg-t.slowAfter)/float64(9*t.slowAfter)
	}
	if latencyScore < 0 {
		latencyScore = 0
	}

	return latencyScore*t.weights.Latency + errorScore*t.weights.ErrorRate
}
