package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// ItemsProcessed counts the total number of pipeline runs by outcome.
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acquire",
			Name:      "items_processed_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"status"},
	)

	// ProcessingDuration tracks the time taken for full pipeline runs.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "acquire",
			Name:      "processing_duration_seconds",
			Help:      "Time taken for full pipeline runs",
			Buckets:   []float64{10, 30, 60, 120, 300, 600},
		},
	)

	// DownloadDuration tracks the time taken to fetch upstream streams.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "acquire",
			Name:      "stream_download_duration_seconds",
			Help:      "Time taken to fetch upstream streams",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// MergeDuration tracks the time the encoder spends merging streams.
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "acquire",
			Name:      "merge_duration_seconds",
			Help:      "Time taken for encoder merges",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// ActiveMerges tracks merge jobs currently running.
	ActiveMerges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "acquire",
			Name:      "active_merges",
			Help:      "Number of merge jobs currently running",
		},
	)

	// QueuedMerges tracks merge jobs waiting for a slot.
	QueuedMerges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "acquire",
			Name:      "queued_merges",
			Help:      "Number of merge jobs waiting for admission",
		},
	)

	// DedupSkips counts pipeline runs short-circuited by the dedup check.
	DedupSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "acquire",
			Name:      "dedup_skips_total",
			Help:      "Pipeline runs skipped because the item was already processed",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acquire",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "acquire",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotaRejections counts download grants denied by the daily limiter.
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "acquire",
			Subsystem: "api",
			Name:      "quota_rejections_total",
			Help:      "Download grants denied by the daily quota",
		},
	)

	// DownloadsServed counts delivered files by completion status.
	DownloadsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acquire",
			Subsystem: "api",
			Name:      "downloads_served_total",
			Help:      "Files served through the delivery endpoint",
		},
		[]string{"kind"},
	)
)

// RecordSuccess records a successful pipeline run.
func RecordSuccess() {
	ItemsProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records a failed pipeline run.
func RecordFailure() {
	ItemsProcessed.WithLabelValues("failed").Inc()
}

// RecordSkip records a dedup-short-circuited pipeline run.
func RecordSkip() {
	ItemsProcessed.WithLabelValues("skipped").Inc()
	DedupSkips.Inc()
}
