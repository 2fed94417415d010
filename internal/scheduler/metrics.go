package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's operational instruments, registered on the
// process-wide Prometheus registry exposed at /metrics.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	DroppedTriggers *prometheus.CounterVec
	InflightRuns    prometheus.Gauge
}

// NewMetrics creates and registers the scheduler instruments. A nil
// registerer yields no-op metrics usable in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parallax",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Pipeline runs by source and result.",
		}, []string{"source", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parallax",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one collect→distill→persist cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		DroppedTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parallax",
			Subsystem: "scheduler",
			Name:      "dropped_triggers_total",
			Help:      "Due triggers dropped because the previous run still held the per-source lock.",
		}, []string{"source"}),
		InflightRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parallax",
			Subsystem: "scheduler",
			Name:      "inflight_runs",
			Help:      "Currently executing pipeline runs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.RunDuration, m.DroppedTriggers, m.InflightRuns)
	}
	return m
}
