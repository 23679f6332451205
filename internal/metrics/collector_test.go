package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordResolution(OutcomeResolvedAuto, "LastWriteWins", 5*time.Millisecond)
	r.RecordResolution(OutcomeResolvedAuto, "LastWriteWins", time.Millisecond)
	r.RecordResolution(OutcomeFailed, "", time.Millisecond)
	r.SetActiveConflicts(3)
	r.RecordDiff(10, 120, false, time.Millisecond)
	r.RecordDiff(5, 2048, true, time.Millisecond)
	r.RecordShortCircuit()
	r.RecordApply(ApplyChecksumMismatch)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.conflictsTotal.WithLabelValues(OutcomeResolvedAuto)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflictsTotal.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.strategyUsage.WithLabelValues("LastWriteWins")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.activeConflicts))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.diffsTotal))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.diffLiteralBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.merkleShortCircuit))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.payloadsApplied.WithLabelValues(ApplyChecksumMismatch)))

	count, err := testutil.GatherAndCount(reg, "replisync_payload_size_bytes")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordResolution(OutcomeFailed, "", 0)
		r.SetActiveConflicts(1)
		r.RecordDiff(1, 1, true, 0)
		r.RecordShortCircuit()
		r.RecordApply(ApplyOK)
	})
}
