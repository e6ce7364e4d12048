// Package metrics provides Prometheus metrics for observability.
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
	// RequestsTotal counts every request entering the decision pipeline.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests entering the gateway pipeline",
		},
		[]string{"route"},
	)

	// RequestsRateLimited counts requests rejected by the rate limiter.
	RequestsRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// RequestsForwardedSuccess counts successfully forwarded requests.
	RequestsForwardedSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_forwarded_success_total",
			Help: "Total number of requests forwarded successfully",
		},
		[]string{"backend"},
	)

	// RequestsForwardedFailed counts forwards that failed downstream.
	RequestsForwardedFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_forwarded_failed_total",
			Help: "Total number of forwards that failed downstream",
		},
		[]string{"backend"},
	)

	// BreakerRejections counts requests rejected while a circuit is open.
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_rejections_total",
			Help: "Total number of requests rejected by an open circuit breaker",
		},
		[]string{"backend"},
	)

	// BreakerState reports the breaker state per backend (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// BreakerFailures reports the breaker failure count per backend.
	BreakerFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_failures",
			Help: "Circuit breaker consecutive failure count per backend",
		},
		[]string{"backend"},
	)

	// StoreFallbacks counts rate-limit store failures by applied policy.
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_store_fallbacks_total",
			Help: "Total number of rate-limit store failures, by applied policy",
		},
		[]string{"policy"},
	)

	// HTTPRequestsTotal counts HTTP requests at the serving shell.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// UpstreamDuration measures forwarded call latency per backend.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	// CacheHitsTotal counts response cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMissesTotal counts response cache misses.
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// ActiveConnections tracks current in-flight HTTP requests.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of in-flight HTTP requests",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric at the serving shell.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordForward records the outcome and latency of a forwarded call.
func RecordForward(backend string, success bool, duration time.Duration) {
	if success {
		RequestsForwardedSuccess.WithLabelValues(backend).Inc()
	} else {
		RequestsForwardedFailed.WithLabelValues(backend).Inc()
	}
	UpstreamDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetBreakerState updates the per-backend breaker gauges.
func SetBreakerState(backend string, state int, failures int) {
	BreakerState.WithLabelValues(backend).Set(float64(state))
	BreakerFailures.WithLabelValues(backend).Set(float64(failures))
}

// RecordCacheHit records a response cache hit.
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a response cache miss.
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordStoreFallback records a rate-limit store failure handled by policy.
func RecordStoreFallback(policy string) {
	StoreFallbacks.WithLabelValues(policy).Inc()
}
