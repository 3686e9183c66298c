package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Jobs enqueued by notification type and lane",
		},
		[]string{"type", "lane"},
	)

	jobsCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_coalesced_total",
			Help: "Enqueues that coalesced onto an in-flight debounced job",
		},
		[]string{"type"},
	)

	eventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_suppressed_total",
			Help: "Events suppressed before enqueue (self-notification)",
		},
		[]string{"type"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_processed_total",
			Help: "Jobs processed by outcome (done, skipped, retried, dead)",
		},
		[]string{"type", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_job_latency_seconds",
			Help:    "Time spent processing a job once a worker picks it up; queue wait and debounce delay are excluded",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	publishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_fanout_publish_failures_total",
			Help: "Best-effort fanout publishes that failed",
		},
	)

	unreadCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_unread_cache_total",
			Help: "Unread counter cache lookups by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_rate_limit_rejections_total",
			Help: "Feed API requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a job entering the queue
func RecordJobEnqueued(notifType, lane string) {
	jobsEnqueued.WithLabelValues(notifType, lane).Inc()
}

// RecordJobCoalesced records an enqueue that merged into an existing job
func RecordJobCoalesced(notifType string) {
	jobsCoalesced.WithLabelValues(notifType).Inc()
}

// RecordEventSuppressed records a self-notification dropped before enqueue
func RecordEventSuppressed(notifType string) {
	eventsSuppressed.WithLabelValues(notifType).Inc()
}

// RecordJobProcessed records a worker outcome for a job
func RecordJobProcessed(notifType, outcome string) {
	jobsProcessed.WithLabelValues(notifType, outcome).Inc()
}

// RecordDispatchLatency records enqueue-to-done time
func RecordDispatchLatency(notifType string, latency time.Duration) {
	dispatchLatency.WithLabelValues(notifType).Observe(latency.Seconds())
}

// RecordPublishFailure records a dropped best-effort fanout publish
func RecordPublishFailure() {
	publishFailures.Inc()
}

// RecordUnreadCache records an unread counter cache hit or miss
func RecordUnreadCache(result string) {
	unreadCacheHits.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
