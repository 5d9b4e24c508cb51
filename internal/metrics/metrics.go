package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's Prometheus instrumentation. One instance owns a
// private registry so tests never collide on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	rateLimited      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	breakerRejected  *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	healthyInstances *prometheus.GaugeVec
	callLogDropped   prometheus.Counter
}

// New creates the instrumentation set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by target service, method and status.",
		}, []string{"service", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"service"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_requests_in_flight",
			Help: "Requests currently being proxied.",
		}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"service"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		breakerRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Requests rejected by an open breaker.",
		}, []string{"service"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_response_cache_hits_total",
			Help: "Responses served from the cache.",
		}, []string{"service"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_response_cache_misses_total",
			Help: "Cacheable requests that went upstream.",
		}, []string{"service"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Retry attempts against upstreams.",
		}, []string{"service"}),
		healthyInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_healthy_instances",
			Help: "Healthy instances per service.",
		}, []string{"service"}),
		callLogDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_call_logs_dropped_total",
			Help: "Call log records dropped under backpressure.",
		}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest notes one completed request.
func (m *Metrics) RecordRequest(service, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RequestStarted marks a request entering the proxy. The returned func
// marks it done.
func (m *Metrics) RequestStarted() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// RecordRateLimited notes a rate limiter rejection.
func (m *Metrics) RecordRateLimited(service string) {
	m.rateLimited.WithLabelValues(service).Inc()
}

// SetBreakerState publishes a breaker state transition.
func (m *Metrics) SetBreakerState(service string, state int) {
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerRejected notes an open-breaker rejection.
func (m *Metrics) RecordBreakerRejected(service string) {
	m.breakerRejected.WithLabelValues(service).Inc()
}

// RecordCacheHit notes a response served from cache.
func (m *Metrics) RecordCacheHit(service string) {
	m.cacheHits.WithLabelValues(service).Inc()
}

// RecordCacheMiss notes a cacheable request that went upstream.
func (m *Metrics) RecordCacheMiss(service string) {
	m.cacheMisses.WithLabelValues(service).Inc()
}

// RecordRetry notes one retry attempt.
func (m *Metrics) RecordRetry(service string) {
	m.retries.WithLabelValues(service).Inc()
}

// SetHealthyInstances publishes the healthy instance count for a service.
func (m *Metrics) SetHealthyInstances(service string, n int) {
	m.healthyInstances.WithLabelValues(service).Set(float64(n))
}

// RecordCallLogDropped notes dropped call log records.
func (m *Metrics) RecordCallLogDropped(n int64) {
	m.callLogDropped.Add(float64(n))
}
