// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts API requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optibatch_http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// BatchesTotal counts finished batches by terminal state.
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optibatch_batches_total",
			Help: "Total number of batches by terminal state.",
		},
		[]string{"state"},
	)

	// BatchRunning is 1 while a batch holds the store lock in this process.
	BatchRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optibatch_batch_running",
			Help: "Whether a batch is currently running. 1 if running, 0 otherwise.",
		},
	)

	// UnitOutcomesTotal counts unit terminal states (completed, already_processed,
	// timed_out, error, skipped).
	UnitOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optibatch_unit_outcomes_total",
			Help: "Total number of config units by outcome.",
		},
		[]string{"symbol", "outcome"},
	)

	// TesterLaunchesTotal counts external tester launches.
	TesterLaunchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "optibatch_tester_launches_total",
			Help: "Total number of strategy tester processes launched.",
		},
	)

	// UnitDuration observes wall time per unit, launch to outcome.
	UnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optibatch_unit_duration_seconds",
			Help:    "Wall time of one config unit.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		},
	)

	// ResultRowsTotal counts report rows by fate: inserted, duplicate, discarded.
	ResultRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optibatch_result_rows_total",
			Help: "Total number of report rows by ingestion result.",
		},
		[]string{"result"},
	)
)

// RecordIngest adds one report's row counts.
func RecordIngest(inserted, duplicates, discarded int) {
	ResultRowsTotal.WithLabelValues("inserted").Add(float64(inserted))
	ResultRowsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	ResultRowsTotal.WithLabelValues("discarded").Add(float64(discarded))
}
