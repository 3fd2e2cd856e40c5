package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSessionMetrics() {
	r.SessionsStartedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "simlab_sessions_started_total",
			Help: "Total number of simulation sessions started",
		},
	)

	r.SessionsStoppedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "simlab_sessions_stopped_total",
			Help: "Total number of simulation sessions stopped by the operator",
		},
	)

	r.SessionRunning = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "simlab_session_running",
			Help: "Whether a session is currently running (1=yes, 0=no)",
		},
	)

	r.PlanLength = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simlab_plan_length",
			Help:    "Number of techniques in each started plan",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)
}

func (r *Registry) initEventMetrics() {
	r.EventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "simlab_events_total",
			Help: "Total number of valid events appended to the feed",
		},
		[]string{"tag"}, // background, objective, log
	)

	r.SchemaViolationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "simlab_schema_violations_total",
			Help: "Total number of inbound messages dropped for failing schema validation",
		},
	)
}

func (r *Registry) initTeardownMetrics() {
	r.TeardownsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "simlab_teardowns_total",
			Help: "Total number of lab teardown calls",
		},
		[]string{"result"}, // ok, failed
	)

	r.TeardownDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simlab_teardown_duration_seconds",
			Help:    "Duration of lab teardown calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)
}
