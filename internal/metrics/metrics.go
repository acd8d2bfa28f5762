package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neotrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neotrack_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	refreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neotrack_observability_refreshes_total",
			Help: "Total observability refresh passes.",
		},
	)

	refreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neotrack_observability_refresh_duration_seconds",
			Help:    "Duration of one observability refresh pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	observableCandidates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neotrack_observable_candidates",
			Help: "Candidates observable after the latest refresh.",
		},
	)

	ephemerisFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neotrack_ephemeris_fetches_total",
			Help: "Ephemeris fetches by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	captureOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neotrack_capture_outcomes_total",
			Help: "Capture attempts by outcome.",
		},
		[]string{"outcome"},
	)

	queueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neotrack_queue_tasks_total",
			Help: "Queue tasks by terminal outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neotrack_queue_depth",
			Help: "Tasks waiting in the scheduler queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(refreshesTotal)
	prometheus.MustRegister(refreshDurationSeconds)
	prometheus.MustRegister(observableCandidates)
	prometheus.MustRegister(ephemerisFetchesTotal)
	prometheus.MustRegister(captureOutcomesTotal)
	prometheus.MustRegister(queueTasksTotal)
	prometheus.MustRegister(queueDepth)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRefresh records one observability refresh pass.
func ObserveRefresh(duration time.Duration, observable int) {
	refreshesTotal.Inc()
	refreshDurationSeconds.Observe(duration.Seconds())
	observableCandidates.Set(float64(observable))
}

// RecordEphemerisFetch counts one fetch attempt against a source.
func RecordEphemerisFetch(source, outcome string) {
	ephemerisFetchesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordCaptureOutcome counts one finished capture attempt.
func RecordCaptureOutcome(outcome string) {
	captureOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueTask counts one task leaving the queue.
func RecordQueueTask(outcome string) {
	queueTasksTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth reports the number of waiting tasks.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// knownRoutes are the exact paths the server serves. Anything else is a
// scanner or typo and collapses to "other" to keep label cardinality bounded.
var knownRoutes = map[string]bool{
	"/healthz":                      true,
	"/readyz":                       true,
	"/metrics":                      true,
	"/api/v1/observability":         true,
	"/api/v1/observability/refresh": true,
	"/api/v1/targets/observable":    true,
	"/api/v1/session":               true,
	"/api/v1/session/start":         true,
	"/api/v1/session/pause":         true,
	"/api/v1/session/resume":        true,
	"/api/v1/session/end":           true,
	"/api/v1/session/target-mode":   true,
	"/api/v1/session/target":        true,
	"/api/v1/session/calibration":   true,
	"/api/v1/kickoff":               true,
	"/api/v1/acquire":               true,
	"/api/v1/captures":              true,
	"/api/v1/notifications":         true,
	"/api/v1/weather":               true,
	"/api/v1/presets":               true,
}

// normalizeRoute maps a request path to a bounded metric label.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if strings.HasPrefix(path, "/api/v1/predict/") {
		return "/api/v1/predict/{trksub}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
