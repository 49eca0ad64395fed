package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Proxy path
var (
	ProxyAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lb_proxy_attempts_total",
			Help: "Forward attempts per backend, by transport outcome",
		},
		[]string{"backend", "result"},
	)

	ProxyAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lb_proxy_attempt_duration_seconds",
			Help:    "Duration of forward attempts per backend",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	OutagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_outages_total",
			Help: "Requests answered with 503 because every candidate failed",
		},
	)
)

// Selection and health
var (
	DegradedSelectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_degraded_selections_total",
			Help: "Selections that fell back to the full pool because every backend was cooling down",
		},
	)

	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lb_health_probes_total",
			Help: "Liveness probes per backend, by outcome",
		},
		[]string{"backend", "result"},
	)

	BackendTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lb_backend_transitions_total",
			Help: "Backend state changes, by new state and the component that observed it",
		},
		[]string{"backend", "state", "source"},
	)
)

// Result maps a boolean outcome to its label value.
func Result(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}
