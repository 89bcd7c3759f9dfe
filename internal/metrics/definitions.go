package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics for the gateway's own routes
var (
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
)

// Health checker metrics
var (
	EndpointHealthStatus *prometheus.GaugeVec
	EndpointLatency      *prometheus.GaugeVec
	HealthCheckDuration  *prometheus.HistogramVec
	HealthCheckTotal     *prometheus.CounterVec
)

// Upstream fetch metrics
var (
	EndpointFailures        *prometheus.GaugeVec
	GateInUse               *prometheus.GaugeVec
	GateWaiting             *prometheus.GaugeVec
	UpstreamAttemptDuration *prometheus.HistogramVec
	UpstreamAttemptsTotal   *prometheus.CounterVec
	UpstreamFetchesTotal    *prometheus.CounterVec
)

// Cache metrics
var (
	CacheInflight             prometheus.Gauge
	CacheRefreshFailuresTotal *prometheus.CounterVec
	CacheRequestsTotal        *prometheus.CounterVec
)

func init() {
	initHTTPMetrics()
	initHealthMetrics()
	initUpstreamMetrics()
	initCacheMetrics()
}

func initHTTPMetrics() {
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaingate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests served by the gateway.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaingate_http_requests_in_flight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"code", "method", "route"},
	)
}

func initHealthMetrics() {
	EndpointHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaingate_endpoint_health_status",
			Help: "Result of the last probe of an endpoint (1 for reachable, 0 for unreachable).",
		},
		[]string{"chain", "protocol", "endpoint"},
	)

	EndpointLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaingate_endpoint_latency_seconds",
			Help: "Latency measured by the last successful probe of an endpoint.",
		},
		[]string{"chain", "protocol", "endpoint"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaingate_health_check_duration_seconds",
			Help:    "Duration of endpoint probes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "protocol"},
	)

	HealthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_health_check_total",
			Help: "Total number of endpoint probes.",
		},
		[]string{"chain", "protocol", "status"}, // status can be "success" or "failure"
	)
}

func initUpstreamMetrics() {
	EndpointFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaingate_endpoint_failures",
			Help: "Current consecutive failure count of an endpoint.",
		},
		[]string{"chain", "protocol", "endpoint"},
	)

	GateInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaingate_gate_in_use",
			Help: "Upstream request slots currently held.",
		},
		[]string{"chain", "protocol"},
	)

	GateWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaingate_gate_waiting",
			Help: "Callers queued for an upstream request slot.",
		},
		[]string{"chain", "protocol"},
	)

	UpstreamAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaingate_upstream_attempt_duration_seconds",
			Help:    "Duration of single upstream attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "protocol"},
	)

	UpstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_upstream_attempts_total",
			Help: "Upstream attempts by outcome.",
		},
		[]string{"chain", "protocol", "outcome"},
	)

	UpstreamFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_upstream_fetches_total",
			Help: "Logical fetches by result (success or exhausted).",
		},
		[]string{"chain", "protocol", "result"},
	)
}

func initCacheMetrics() {
	CacheInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaingate_cache_inflight",
			Help: "Cache keys with a fetch in progress.",
		},
	)

	CacheRefreshFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_cache_refresh_failures_total",
			Help: "Background refreshes and prefetches that failed and were swallowed.",
		},
		[]string{"tier"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaingate_cache_requests_total",
			Help: "Cache lookups by tier and result (hit, miss, coalesced).",
		},
		[]string{"tier", "result"},
	)
}
