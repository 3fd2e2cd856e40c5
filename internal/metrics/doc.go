// Package metrics exposes Prometheus counters for simulation sessions, the
// events they stream and the teardown calls they issue.
package metrics
