package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardian"

// Outcome label values for GuardOutcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeBlocked    = "blocked"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
	OutcomeRetryAfter = "retry_after"
)

var (
	// GuardOutcomes counts Send calls by outcome.
	GuardOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_total",
		Help:      "Guarded executions by outcome.",
	}, []string{"outcome"})

	// RuleBlocks counts admissions refused per blocking rule.
	RuleBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_blocks_total",
		Help:      "Executions refused, by the rate limit rule that blocked them.",
	}, []string{"rule"})

	// ErrorRuleTrips counts tripped error handling rules by the action they took.
	ErrorRuleTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "error_rule_trips_total",
		Help:      "Tripped error handling rules by resulting action.",
	}, []string{"action"})

	// WorkDuration records how long guarded work ran.
	WorkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "work_duration_seconds",
		Help:      "Guarded work latency in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1.0, 2.5, 10.0},
	}, []string{"outcome"})

	// CacheOperations counts cache backend calls.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_operations_total",
		Help:      "Cache backend operations by backend, operation and status.",
	}, []string{"backend", "operation", "status"})

	// CacheLatency records cache backend latency.
	CacheLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cache_operation_duration_seconds",
		Help:      "Cache backend operation latency in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.025, 0.1, 0.5},
	}, []string{"backend", "operation"})
)

// ObserveCacheOperation records one backend call.
func ObserveCacheOperation(backend, operation string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CacheOperations.WithLabelValues(backend, operation, status).Inc()
	CacheLatency.WithLabelValues(backend, operation).Observe(seconds)
}
