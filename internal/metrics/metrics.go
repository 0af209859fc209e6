package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalrunner_executions_total",
			Help: "Total number of submission container executions",
		},
		[]string{"status", "kind"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalrunner_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"phase"}, // phase: "pull", "run", "total"
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evalrunner_container_creation_seconds",
			Help:    "Time to create and start a container",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalrunner_cleanup_failures_total",
			Help: "Container or image removals that failed and were swallowed",
		},
		[]string{"resource"}, // resource: "container", "image"
	)

	LogUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalrunner_log_uploads_total",
			Help: "Log artifact uploads to external storage",
		},
		[]string{"result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evalrunner_queue_depth",
			Help: "Current number of submissions waiting in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evalrunner_active_workers",
			Help: "Number of workers currently running a submission",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evalrunner_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile
// format, for one-shot runs that never serve /metrics.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
