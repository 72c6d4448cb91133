// Package metrics holds the Prometheus collectors for the verification engine.
// Collectors live on a private registry that the admin server exposes at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// OperationDuration is fed by timing.TimeOperation.
	OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pouw_operation_duration_seconds",
			Help:    "Duration of internal operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)

	TasksAssigned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_tasks_assigned_total",
			Help: "Tasks assigned by difficulty tier",
		},
		[]string{"tier"},
	)

	RiskScores = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pouw_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	RiskSignalFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_risk_signal_failures_total",
			Help: "Risk sub-signals that fell back to their default",
		},
		[]string{"signal"},
	)

	// ValidationChecks counts validator checks by check name and outcome
	// (pass, fail, unverified).
	ValidationChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_validation_checks_total",
			Help: "Validation checks by check and result",
		},
		[]string{"check", "result"},
	)

	GroundTruthLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_ground_truth_lookups_total",
			Help: "Ground truth cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	GroundTruthEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "pouw_ground_truth_entries",
			Help: "Entries currently held by the ground truth cache",
		},
	)

	ModelReloads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_model_reloads_total",
			Help: "Model catalog reloads by result",
		},
		[]string{"result"},
	)

	EventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouw_events_published_total",
			Help: "Events published to NATS by subject and result",
		},
		[]string{"subject", "result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
