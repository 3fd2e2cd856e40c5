package metrics

import (
	"time"
)

// RecordSessionStarted records a session entering Running with a plan of
// planLen techniques
func (r *Registry) RecordSessionStarted(planLen int) {
	r.SessionsStartedTotal.Inc()
	r.SessionRunning.Set(1)
	r.PlanLength.Observe(float64(planLen))
}

// RecordSessionStopped records an operator stop
func (r *Registry) RecordSessionStopped() {
	r.SessionsStoppedTotal.Inc()
	r.SessionRunning.Set(0)
}

// RecordEvent records a valid event by tag
func (r *Registry) RecordEvent(tag string) {
	r.EventsTotal.WithLabelValues(tag).Inc()
}

// RecordSchemaViolation records a dropped inbound message
func (r *Registry) RecordSchemaViolation() {
	r.SchemaViolationsTotal.Inc()
}

// RecordTeardown records a teardown call and its outcome
func (r *Registry) RecordTeardown(err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.TeardownsTotal.WithLabelValues(result).Inc()
	r.TeardownDuration.Observe(duration.Seconds())
}
