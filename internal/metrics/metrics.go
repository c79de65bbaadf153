// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_operation_duration_seconds",
			Help:    "Duration of workflow operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	mergeFieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_fields_total",
			Help: "Fields aggregated by the merge engine, by strategy",
		},
		[]string{"strategy"},
	)

	publishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_publish_errors_total",
			Help: "Events that could not be delivered to a publisher",
		},
	)
)

// ObserveOperation records one finished workflow operation. outcome is "ok" or
// the error kind.
func ObserveOperation(operation, outcome string, started time.Time) {
	transitionsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func MergedField(strategy string) {
	mergeFieldsTotal.WithLabelValues(strategy).Inc()
}

func PublishFailed() {
	publishErrors.Inc()
}
