// Package metrics exposes reconciliation activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for conflict resolution.
const (
	OutcomeResolvedAuto   = "resolved_auto"
	OutcomeResolvedManual = "resolved_manual"
	OutcomeFailed         = "failed"
)

// Result labels for payload application.
const (
	ApplyOK               = "ok"
	ApplyChecksumMismatch = "checksum_mismatch"
	ApplyError            = "error"
)

// Recorder holds the Prometheus instruments. A nil *Recorder is valid and
// records nothing, so components can run without metrics wired.
type Recorder struct {
	conflictsTotal     *prometheus.CounterVec
	strategyUsage      *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	activeConflicts    prometheus.Gauge

	diffsTotal         prometheus.Counter
	diffLiteralBytes   prometheus.Counter
	payloadSize        *prometheus.HistogramVec
	payloadsApplied    *prometheus.CounterVec
	merkleShortCircuit prometheus.Counter
	diffDuration       prometheus.Histogram
}

// NewRecorder registers the instruments with reg. Pass
// prometheus.NewRegistry() in tests to avoid the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		conflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replisync_conflicts_total",
				Help: "Conflicts detected, by final outcome",
			},
			[]string{"outcome"},
		),
		strategyUsage: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replisync_conflict_strategy_total",
				Help: "Conflicts resolved, by the strategy that succeeded",
			},
			[]string{"strategy"},
		),
		resolutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "replisync_conflict_resolution_duration_seconds",
				Help:    "Time spent resolving a conflict",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeConflicts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "replisync_conflicts_active",
				Help: "Conflicts currently held in the active registry",
			},
		),
		diffsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "replisync_diffs_total",
				Help: "Diff payloads created",
			},
		),
		diffLiteralBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "replisync_diff_literal_bytes_total",
				Help: "Literal bytes carried by insert operations",
			},
		),
		payloadSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replisync_payload_size_bytes",
				Help:    "Size of the payload body as shipped",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"compression"},
		),
		payloadsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replisync_payloads_applied_total",
				Help: "Payload applications, by result",
			},
			[]string{"result"},
		),
		merkleShortCircuit: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "replisync_merkle_short_circuits_total",
				Help: "Diffs skipped because merkle roots matched",
			},
		),
		diffDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "replisync_diff_duration_seconds",
				Help:    "Time spent creating a diff payload",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordResolution records the outcome of a conflicting resolve call.
func (r *Recorder) RecordResolution(outcome, strategy string, duration time.Duration) {
	if r == nil {
		return
	}
	r.conflictsTotal.WithLabelValues(outcome).Inc()
	if strategy != "" {
		r.strategyUsage.WithLabelValues(strategy).Inc()
	}
	r.resolutionDuration.Observe(duration.Seconds())
}

// SetActiveConflicts reports the size of the active registry.
func (r *Recorder) SetActiveConflicts(n int) {
	if r == nil {
		return
	}
	r.activeConflicts.Set(float64(n))
}

// RecordDiff records a created payload.
func (r *Recorder) RecordDiff(literalBytes int64, payloadBytes int, compressed bool, duration time.Duration) {
	if r == nil {
		return
	}
	r.diffsTotal.Inc()
	r.diffLiteralBytes.Add(float64(literalBytes))
	label := "disabled"
	if compressed {
		label = "enabled"
	}
	r.payloadSize.WithLabelValues(label).Observe(float64(payloadBytes))
	r.diffDuration.Observe(duration.Seconds())
}

// RecordShortCircuit records a diff skipped on matching merkle roots.
func (r *Recorder) RecordShortCircuit() {
	if r == nil {
		return
	}
	r.merkleShortCircuit.Inc()
}

// RecordApply records a payload application result.
func (r *Recorder) RecordApply(result string) {
	if r == nil {
		return
	}
	r.payloadsApplied.WithLabelValues(result).Inc()
}
