// Package metrics provides small Prometheus helpers shared by the counter
// service and the worker pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// DefaultBuckets provides a common set of histogram buckets in seconds that can
// be reused across the application for latency metrics.
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10} //nolint: gochecknoglobals

// Counter tracks allow/deny outcomes for one budget group's lock endpoint. It
// wraps a prometheus.CounterVec labeled by outcome so operators can alert on a
// sustained denial rate (spec.md's "chronic under-estimation" concern, Design
// Note 9 of spec.md §9) without the counter itself persisting anything.
type Counter struct {
	vec *prometheus.CounterVec
}

// NewCounter registers (or re-uses, if already registered) a lock_total
// counter for the given budget group name on reg.
func NewCounter(reg prometheus.Registerer, group string) *Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotaguard",
		Subsystem: "counter",
		Name:      "lock_total",
		Help:      "Outcomes of lock attempts against a budget group.",
		ConstLabels: prometheus.Labels{
			"group": group,
		},
	}, []string{"outcome"})

	if reg != nil {
		if err := reg.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok { //nolint: errorlint
				vec = are.ExistingCollector.(*prometheus.CounterVec) //nolint: errcheck,forcetypeassert
			}
		}
	}

	return &Counter{vec: vec}
}

// Observe increments the allowed or denied counter depending on outcome.
func (c *Counter) Observe(allowed bool) {
	if c == nil {
		return
	}

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	c.vec.WithLabelValues(outcome).Inc()
}
