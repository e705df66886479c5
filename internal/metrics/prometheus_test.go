package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("n1", reg)

	m.UpdateRangesRemaining("ks", 7)
	m.RecordRangeSkipped("ks")
	m.RecordPlan("bootstrap", true, 0.5)
	m.RecordPlan("bootstrap", false, 0.1)
	m.RecordFragment("in", 1024)
	m.RecordFragment("in", 1024)
	m.SessionStarted()

	assert.Equal(t, 7.0, testutil.ToFloat64(m.RangesRemaining.WithLabelValues("ks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RangesSkippedTotal.WithLabelValues("ks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansTotal.WithLabelValues("bootstrap", "failure")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UpdateRangesRemaining("ks", 1)
		m.RecordRun("rebuild", true)
		m.SessionFinished()
	})
}
