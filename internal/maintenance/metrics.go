package maintenance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance jobs.
type Metrics struct {
	JobsRun        *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	OrphansRemoved prometheus.Counter
}

// NewMetrics creates and registers maintenance metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "maintenance",
			Name:      "jobs_run_total",
			Help:      "Total maintenance jobs completed successfully.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "maintenance",
			Name:      "jobs_failed_total",
			Help:      "Total maintenance job runs that failed.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boma",
			Subsystem: "maintenance",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
		OrphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "maintenance",
			Name:      "orphan_workspaces_removed_total",
			Help:      "Total orphaned task directories removed by the gc job.",
		}),
	}

	reg.MustRegister(
		m.JobsRun,
		m.JobsFailed,
		m.JobDuration,
		m.OrphansRemoved,
	)

	return m
}
