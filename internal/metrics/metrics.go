// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by path, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// DispatchTotal counts finished dispatches by outcome (completed or an error kind).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "Total number of dispatched jobs by outcome.",
		},
		[]string{"outcome"},
	)

	// DispatchDuration observes end-to-end dispatch latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"outcome"},
	)

	// WorkerSelectedTotal counts how often each worker won the selection.
	WorkerSelectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_selected_total",
			Help: "Total number of times a worker was selected.",
		},
		[]string{"worker"},
	)

	// WorkerInFlight is the number of jobs currently forwarded to each worker.
	WorkerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_inflight_jobs",
			Help: "Jobs currently being forwarded to a worker by this dispatcher.",
		},
		[]string{"worker"},
	)

	// SnapshotRecordsDropped counts usage records excluded because they failed to parse.
	SnapshotRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_records_dropped_total",
			Help: "Usage records dropped from a load snapshot because of unparsable quantities.",
		},
	)

	// WorkerJobsTotal counts jobs executed by a worker, by result.
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total number of jobs executed by this worker.",
		},
		[]string{"result"},
	)

	// RegisteredWorkers is the number of workers registered in etcd, as seen by the dispatcher.
	RegisteredWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registered_workers",
			Help: "Number of workers currently registered in etcd.",
		},
	)

	// UsageReportsTotal counts usage samples a worker published, by result.
	UsageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_usage_reports_total",
			Help: "Total number of usage reports published by this worker.",
		},
		[]string{"result"},
	)
)
