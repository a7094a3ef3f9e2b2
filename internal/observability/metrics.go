package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transitops/arrivals-proxy/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream transit API call rate. Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency per call. Watch for: p95 > 2s (upstream degradation), p99 > 5s (timeout risk).
	UpstreamDuration *prometheus.HistogramVec

	// Upstream failures by category. Watch for: upstream_500 spikes (retry task churning).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Total arrivals lookups. Watch for: traffic volume, rate() for QPS.
	ArrivalsRequestsTotal prometheus.Counter

	// Fresh snapshot hits served without an upstream call.
	CacheHitsTotal prometheus.Counter

	// Responses served from an expired snapshot because the refresh failed.
	StaleServesTotal prometheus.Counter

	// Age of stale snapshots at serve time. Watch for: growth = prolonged outage.
	StaleAgeSeconds prometheus.Histogram

	// Refresh attempts that joined an already in-flight upstream call.
	CoalescedRefreshesTotal prometheus.Counter

	// Times the background retry task was armed after a transient failure.
	RetryArmsTotal prometheus.Counter

	// Individual retry attempts fired by the background task.
	RetryAttemptsTotal prometheus.Counter

	// 1 while the retry task is armed, 0 otherwise.
	RetryTaskArmed prometheus.Gauge

	// Snapshot store failures by operation (load, save).
	StoreErrorsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of upstream transit API calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream transit API latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Upstream failures by category",
		},
		[]string{"category"},
	)
	ArrivalsRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arrivalsRequestsTotal",
			Help: "Total number of arrivals lookups",
		},
	)
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Fresh snapshot hits served without an upstream call",
		},
	)
	StaleServesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleServesTotal",
			Help: "Responses served from an expired snapshot during upstream failure",
		},
	)
	StaleAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleAgeSeconds",
			Help:    "Snapshot age at stale serve time in seconds",
			Buckets: []float64{60, 120, 300, 600, 1800, 3600, 14400},
		},
	)
	CoalescedRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedRefreshesTotal",
			Help: "Refresh attempts that joined an already in-flight upstream call",
		},
	)
	RetryArmsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retryArmsTotal",
			Help: "Times the background retry task was armed",
		},
	)
	RetryAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retryAttemptsTotal",
			Help: "Retry attempts fired by the background retry task",
		},
	)
	RetryTaskArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retryTaskArmed",
			Help: "1 while the background retry task is armed, 0 otherwise",
		},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "Snapshot store failures by operation",
		},
		[]string{"operation"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamErrorsTotal,
		ArrivalsRequestsTotal, CacheHitsTotal,
		StaleServesTotal, StaleAgeSeconds, CoalescedRefreshesTotal,
		RetryArmsTotal, RetryAttemptsTotal, RetryTaskArmed,
		StoreErrorsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers sliding-window gauges over upstream outcomes
// and rate-limit denials. Call from main after config load.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamOutcomesInWindow",
					Help: "Upstream call outcomes in sliding window; upstream load visibility",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
