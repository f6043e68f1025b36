package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Observe(UnitJob, "SUCCESS", 20*time.Millisecond)
	m.Observe(UnitJob, "SUCCESS", 30*time.Millisecond)
	m.Observe(UnitJob, "FAILED", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnitsTotal.WithLabelValues(UnitJob, "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsTotal.WithLabelValues(UnitJob, "FAILED")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.UnitDuration))
}

func TestMetrics_Running(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Running(PoolStrategies, 1)
	m.Running(PoolStrategies, 1)
	m.Running(PoolStrategies, -1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsRunning.WithLabelValues(PoolStrategies)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Observe(UnitStage, "SUCCESS", time.Second)
		m.Running(PoolJobs, 1)
	})
}
