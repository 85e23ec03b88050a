package automation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-level Prometheus metrics. Shared across workspace engines and
// partitioned by label.
var (
	metricEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_events_total",
		Help: "Events evaluated, by workspace and trigger type",
	}, []string{"workspace", "trigger_type"})

	metricExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_rule_executions_total",
		Help: "Rule executions, by workspace and outcome",
	}, []string{"workspace", "outcome"})

	metricActionRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_action_retries_total",
		Help: "Action retry attempts after transient failures, by action type",
	}, []string{"workspace", "action_type"})

	metricExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_rule_execution_duration_seconds",
		Help:    "Wall-clock duration of rule executions",
		Buckets: prometheus.DefBuckets,
	}, []string{"workspace"})
)
