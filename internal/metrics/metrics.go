package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Live channel metrics
	LiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "radio_live_subscribers",
			Help: "Number of currently attached live subscribers",
		},
	)

	LiveEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_live_events_published_total",
			Help: "Total number of events published by topic",
		},
		[]string{"topic"},
	)

	LiveSubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_live_subscribers_dropped_total",
			Help: "Total number of subscribers dropped after a failed delivery, by cause",
		},
		[]string{"cause"},
	)

	// Ingest metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_submissions_total",
			Help: "Total number of submissions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	EnrichmentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_enrichment_failures_total",
			Help: "Total number of optional enrichment failures by kind",
		},
		[]string{"kind"},
	)

	// Retention metrics
	RetentionDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_retention_deleted_total",
			Help: "Total number of rows removed by the retention sweeper by table",
		},
		[]string{"table"},
	)

	RetentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radio_retention_sweep_duration_seconds",
			Help:    "Time taken by a retention sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot metrics
	SnapshotBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radio_snapshot_build_duration_seconds",
			Help:    "Time taken to build the initial page snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GalleryImages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "radio_gallery_images",
			Help: "Number of images in the current gallery listing",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(LiveSubscribers)
	prometheus.MustRegister(LiveEventsPublished)
	prometheus.MustRegister(LiveSubscribersDropped)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(EnrichmentFailures)
	prometheus.MustRegister(RetentionDeleted)
	prometheus.MustRegister(RetentionSweepDuration)
	prometheus.MustRegister(SnapshotBuildDuration)
	prometheus.MustRegister(GalleryImages)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on the observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on the labelled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
