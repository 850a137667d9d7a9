// Package telemetry owns the Prometheus collectors and HTTP metrics middleware.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcel_fetch_requests_total",
			Help: "Upstream record card requests, labeled by status class.",
		},
		[]string{"status_class"},
	)

	fetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parcel_fetch_duration_seconds",
			Help:    "Latency of single upstream record card attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parcel_fetch_retries_total",
			Help: "Upstream attempts beyond the first for a single id.",
		},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcel_items_total",
			Help: "Items processed, labeled by outcome.",
		},
		[]string{"mode", "outcome"},
	)

	archiveFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parcel_archive_failures_total",
			Help: "Raw record cards that could not be written to the blob archive.",
		},
	)

	progressDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcel_progress_events_dropped_total",
			Help: "Progress events discarded because the hub buffer was full.",
		},
		[]string{"stage"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcel_active_workers",
			Help: "Number of workers currently processing a unit.",
		},
	)

	scanCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcel_scan_cursor",
			Help: "Next id the sequential scan will fetch.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parcel_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// StatusClass buckets an HTTP status code; zero means the request never completed.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveFetch records one upstream attempt.
func ObserveFetch(statusCode int, duration time.Duration) {
	fetchRequestsTotal.WithLabelValues(StatusClass(statusCode)).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRetry counts an extra upstream attempt.
func ObserveRetry() {
	fetchRetriesTotal.Inc()
}

// ObserveItem records the outcome of one id in batch or scan mode.
func ObserveItem(mode, outcome string) {
	itemsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveArchiveFailure counts a raw payload that was not archived.
func ObserveArchiveFailure() {
	archiveFailuresTotal.Inc()
}

// ObserveProgressDropped counts a progress event the hub could not buffer.
func ObserveProgressDropped(stage string) {
	progressDroppedTotal.WithLabelValues(stage).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetScanCursor exports the scan position.
func SetScanCursor(id int64) {
	scanCursor.Set(float64(id))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
