// Package metrics exposes Prometheus collectors for the render cache.
//
// Collectors are registered by Init. Until then every Observe/Set helper is
// a no-op, which keeps library packages usable in tests without a registry.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	renderQueueDepth       *prometheus.GaugeVec
	renderActive           prometheus.Gauge
	renderJobsTotal        *prometheus.CounterVec
	renderDurationSeconds  *prometheus.HistogramVec
	renderRetriesTotal     prometheus.Counter
	renderBackoffSeconds   prometheus.Histogram
	renderFallbacksTotal   *prometheus.CounterVec
	renderRateLimitedTotal *prometheus.CounterVec

	breakerState            *prometheus.GaugeVec
	breakerTransitionsTotal *prometheus.CounterVec
	breakerRejectionsTotal  *prometheus.CounterVec

	cacheLookupsTotal *prometheus.CounterVec
	cacheChangesTotal *prometheus.CounterVec
	backlogDeliveries *prometheus.CounterVec

	once    sync.Once
	enabled atomic.Bool
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		renderQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendercache_render_queue_depth",
				Help: "Jobs waiting for a worker slot, split into ready and delayed (backoff) queues.",
			},
			[]string{"queue"},
		)
		renderActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rendercache_render_active",
				Help: "Number of renders currently holding a worker slot.",
			},
		)
		renderJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_render_jobs_total",
				Help: "Render jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)
		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendercache_render_attempt_duration_seconds",
				Help:    "Duration of individual render attempts, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		)
		renderRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rendercache_render_retries_total",
				Help: "Render attempts rescheduled with backoff.",
			},
		)
		renderBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rendercache_render_backoff_seconds",
				Help:    "Backoff delays applied before retrying a render.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		)
		renderFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_render_fallbacks_total",
				Help: "Fallback invocations after a circuit rejection, labeled by result.",
			},
			[]string{"result"},
		)
		renderRateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_render_rate_limited_total",
				Help: "Render submissions refused by the per-site rate limiter.",
			},
			[]string{"site"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendercache_breaker_state",
				Help: "Circuit state per operation: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"name"},
		)
		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_breaker_transitions_total",
				Help: "Circuit state transitions, labeled by operation and states.",
			},
			[]string{"name", "from", "to"},
		)
		breakerRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_breaker_rejections_total",
				Help: "Calls rejected without invoking the operation.",
			},
			[]string{"name"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_cache_lookups_total",
				Help: "Bot cache lookups, labeled by result (hit, stale, miss).",
			},
			[]string{"result"},
		)
		cacheChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_content_changes_total",
				Help: "Fingerprint change classifications written to the cache.",
			},
			[]string{"change_type"},
		)
		backlogDeliveries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendercache_backlog_deliveries_total",
				Help: "Shared backlog messages handled by this replica, labeled by result.",
			},
			[]string{"result"},
		)
		enabled.Store(true)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth records the ready and delayed queue sizes.
func SetQueueDepth(ready, delayed int) {
	if !enabled.Load() {
		return
	}
	renderQueueDepth.WithLabelValues("ready").Set(float64(ready))
	renderQueueDepth.WithLabelValues("delayed").Set(float64(delayed))
}

// SetActiveRenders records how many worker slots are busy.
func SetActiveRenders(n int) {
	if !enabled.Load() {
		return
	}
	renderActive.Set(float64(n))
}

// ObserveRenderJob counts a job reaching a terminal status.
func ObserveRenderJob(status string) {
	if !enabled.Load() {
		return
	}
	renderJobsTotal.WithLabelValues(status).Inc()
}

// ObserveRenderAttempt records how long one backend attempt took.
func ObserveRenderAttempt(outcome string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	renderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRetry records a rescheduled attempt and its backoff.
func ObserveRetry(backoff time.Duration) {
	if !enabled.Load() {
		return
	}
	renderRetriesTotal.Inc()
	renderBackoffSeconds.Observe(backoff.Seconds())
}

// ObserveFallback records whether a fallback produced content.
func ObserveFallback(served bool) {
	if !enabled.Load() {
		return
	}
	result := "exhausted"
	if served {
		result = "served"
	}
	renderFallbacksTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimited records a submission refused by the per-site limiter.
func ObserveRateLimited(rawURL string) {
	if !enabled.Load() {
		return
	}
	renderRateLimitedTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// SetBreakerState publishes the numeric state of a circuit.
func SetBreakerState(name string, state int) {
	if !enabled.Load() {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveBreakerTransition counts a circuit state change.
func ObserveBreakerTransition(name, from, to string) {
	if !enabled.Load() {
		return
	}
	breakerTransitionsTotal.WithLabelValues(name, from, to).Inc()
}

// ObserveBreakerRejection counts a call refused by an open circuit.
func ObserveBreakerRejection(name string) {
	if !enabled.Load() {
		return
	}
	breakerRejectionsTotal.WithLabelValues(name).Inc()
}

// ObserveCacheLookup counts a bot cache lookup by result.
func ObserveCacheLookup(result string) {
	if !enabled.Load() {
		return
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveContentChange counts a stored change classification.
func ObserveContentChange(changeType string) {
	if !enabled.Load() {
		return
	}
	cacheChangesTotal.WithLabelValues(changeType).Inc()
}

// ObserveBacklogDelivery counts a shared backlog message by result.
func ObserveBacklogDelivery(result string) {
	if !enabled.Load() {
		return
	}
	backlogDeliveries.WithLabelValues(result).Inc()
}
