// Package metrics exposes Prometheus instruments for engine units.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Unit labels.
const (
	UnitWorkflow = "workflow"
	UnitJob      = "job"
	UnitStrategy = "strategy"
	UnitStage    = "stage"
)

// Pool labels for the running gauge.
const (
	PoolJobs       = "jobs"
	PoolStrategies = "strategies"
)

// Metrics groups the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	UnitsTotal   *prometheus.CounterVec
	UnitsRunning *prometheus.GaugeVec
	UnitDuration *prometheus.HistogramVec
}

// New registers the engine instruments on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		UnitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobflow_units_total",
				Help: "Units that reached a terminal status",
			},
			[]string{"unit", "status"},
		),
		UnitsRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobflow_units_running",
				Help: "Units currently holding a pool slot",
			},
			[]string{"pool"},
		),
		UnitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobflow_unit_duration_seconds",
				Help:    "Wall time from unit start to terminal status",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"unit"},
		),
	}
}

// Observe records a terminal unit.
func (m *Metrics) Observe(unit, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues(unit, status).Inc()
	m.UnitDuration.WithLabelValues(unit).Observe(elapsed.Seconds())
}

// Running adjusts the running gauge for pool by delta.
func (m *Metrics) Running(pool string, delta int) {
	if m == nil {
		return
	}
	m.UnitsRunning.WithLabelValues(pool).Add(float64(delta))
}
