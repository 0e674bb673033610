package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox/Session/Cargo gauges
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_sandboxes_total",
			Help: "Total number of sandboxes by status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	CargosTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_cargos_total",
			Help: "Total number of cargos by managed/external",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Capability router metrics
	CapabilityInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_capability_invocations_total",
			Help: "Total number of capability invocations by capability and result",
		},
		[]string{"capability", "result"},
	)

	CapabilityLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_capability_latency_seconds",
			Help:    "Capability invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	// Session lifecycle metrics
	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_session_start_duration_seconds",
			Help:    "Time taken to bring a session to ready in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionStartFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_session_start_failures_total",
			Help: "Total number of session startup failures",
		},
	)

	// GC metrics
	GCCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_gc_cycle_duration_seconds",
			Help:    "Duration of a GC cycle in seconds by task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	GCCleanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_cleaned_total",
			Help: "Total number of resources cleaned by GC by task",
		},
		[]string{"task"},
	)

	GCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_errors_total",
			Help: "Total number of GC task errors by task",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(CargosTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(CapabilityInvocationsTotal)
	prometheus.MustRegister(CapabilityLatency)
	prometheus.MustRegister(SessionStartDuration)
	prometheus.MustRegister(SessionStartFailuresTotal)
	prometheus.MustRegister(GCCycleDuration)
	prometheus.MustRegister(GCCleanedTotal)
	prometheus.MustRegister(GCErrorsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
