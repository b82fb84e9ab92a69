package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Boma.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Call dispatch metrics.
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Process execution metrics.
	ProcessExecutionsTotal *prometheus.CounterVec
	OutputTruncatedTotal   prometheus.Counter

	// Session metrics.
	SessionsActive         prometheus.Gauge
	SessionsCreatedTotal   prometheus.Counter
	SessionsDestroyedTotal *prometheus.CounterVec
	SweepsTotal            prometheus.Counter

	// Browser metrics.
	BrowserActionsTotal *prometheus.CounterVec

	// Journal metrics.
	JournalWritesTotal *prometheus.CounterVec

	// Event stream metrics.
	EventsDroppedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "call",
			Name:      "requests_total",
			Help:      "Total sandbox calls dispatched.",
		}, []string{"op", "status", "error_kind"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boma",
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Sandbox call duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"op"}),

		ProcessExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "process",
			Name:      "executions_total",
			Help:      "Total shell processes run in sessions.",
		}, []string{"mode", "status"}),

		OutputTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "process",
			Name:      "output_truncated_total",
			Help:      "Total executions whose captured output hit the cap.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boma",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sandbox sessions.",
		}),

		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}),

		SessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Total sessions destroyed.",
		}, []string{"reason"}),

		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "session",
			Name:      "sweeps_total",
			Help:      "Total idle sweeps completed.",
		}),

		BrowserActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "browser",
			Name:      "actions_total",
			Help:      "Total browser operations performed.",
		}, []string{"action", "status"}),

		JournalWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Total call journal writes.",
		}, []string{"status"}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events dropped for slow subscribers.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boma",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boma",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boma",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.ProcessExecutionsTotal,
		m.OutputTruncatedTotal,
		m.SessionsActive,
		m.SessionsCreatedTotal,
		m.SessionsDestroyedTotal,
		m.SweepsTotal,
		m.BrowserActionsTotal,
		m.JournalWritesTotal,
		m.EventsDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}
