// Package metrics provides Prometheus instrumentation for the strata engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesCommitted counts batches whose output reached the table.
	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_batches_committed_total",
		Help: "Total number of micro-batches committed",
	}, []string{"pipeline"})

	// BatchRetries counts whole-batch retries.
	BatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_batch_retries_total",
		Help: "Total number of micro-batch retries",
	}, []string{"pipeline"})

	// BatchFailures counts batches that exhausted their retries.
	BatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_batch_failures_total",
		Help: "Total number of micro-batches that failed permanently",
	}, []string{"pipeline"})

	// BatchLatency tracks time from batch close to commit.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_batch_latency_seconds",
		Help:    "Latency of micro-batch processing in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	}, []string{"pipeline"})

	// RecordsProcessed counts input records dispatched to partitions.
	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_records_processed_total",
		Help: "Total number of input records processed",
	}, []string{"pipeline"})

	// LateRecordsDropped counts records that arrived for an evicted window.
	LateRecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_late_records_dropped_total",
		Help: "Total number of records dropped because their window was already closed",
	}, []string{"operator"})

	// StateKeys tracks live (key, window) entries held by a stateful operator.
	StateKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_state_keys",
		Help: "Number of live state entries",
	}, []string{"operator"})

	// CommitConflicts counts optimistic commit conflicts per table.
	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_commit_conflicts_total",
		Help: "Total number of rejected commits due to a concurrent writer",
	}, []string{"table"})

	// TableVersion tracks the head version of each table.
	TableVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_table_version",
		Help: "Current head version of the table",
	}, []string{"table"})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
