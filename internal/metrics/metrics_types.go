package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for the application
type Registry struct {
	// Session Metrics
	SessionsStartedTotal prometheus.Counter
	SessionsStoppedTotal prometheus.Counter
	SessionRunning       prometheus.Gauge
	PlanLength           prometheus.Histogram

	// Event Metrics
	EventsTotal           *prometheus.CounterVec
	SchemaViolationsTotal prometheus.Counter

	// Teardown Metrics
	TeardownsTotal   *prometheus.CounterVec
	TeardownDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initSessionMetrics()
	r.initEventMetrics()
	r.initTeardownMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
