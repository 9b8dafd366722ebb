package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capi_queue_depth",
			Help: "Number of jobs currently queued, by worker queue",
		},
		[]string{"queue"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by job kind and queue",
		},
		[]string{"kind", "queue"},
	)

	JobsDedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_jobs_deduped_total",
			Help: "Total number of enqueue attempts skipped because the job id already existed",
		},
		[]string{"kind"},
	)

	// Job handler metrics
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capi_job_duration_seconds",
			Help:    "Time taken to run a scoring job to verdict, by kind",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1000, 1800, 3600},
		},
		[]string{"kind"},
	)

	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_verdicts_total",
			Help: "Total number of terminal verdicts, by kind and status",
		},
		[]string{"kind", "status"},
	)

	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_job_retries_total",
			Help: "Total number of job redeliveries observed by a handler",
		},
		[]string{"kind"},
	)

	// Workspace / subprocess metrics
	WorkspaceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capi_workspace_operation_duration_seconds",
			Help:    "Time taken for a CP workspace operation (build, run_pov, run_tests)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	WorkspaceOperationTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_workspace_operation_timeouts_total",
			Help: "Total number of CP workspace operations that hit their timeout",
		},
		[]string{"operation"},
	)

	// Artifact store metrics
	ArtifactBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_artifact_bytes_written_total",
			Help: "Total bytes written to the artifact store, by backing",
		},
		[]string{"backing"},
	)

	ArtifactWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capi_artifact_write_duration_seconds",
			Help:    "Time taken to write an artifact, by backing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backing"},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capi_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the distributed job lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capi_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capi_api_request_duration_seconds",
			Help:    "API request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Result receiver metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capi_result_receiver_apply_duration_seconds",
			Help:    "Time taken to apply one results-bus message",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capi_result_receiver_messages_total",
			Help: "Total number of results-bus messages applied",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		JobsEnqueuedTotal,
		JobsDedupedTotal,
		JobDuration,
		VerdictsTotal,
		JobRetriesTotal,
		WorkspaceOperationDuration,
		WorkspaceOperationTimeoutsTotal,
		ArtifactBytesWritten,
		ArtifactWriteDuration,
		LockWaitDuration,
		APIRequestsTotal,
		APIRequestDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
