package apiclient

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request pipeline and
// the session lifecycle. All recorders are no-ops on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	refreshWaiters  prometheus.Counter

	rateLimitCooldowns  *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	eventsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registerer)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_requests_total",
				Help: "Total number of API requests completed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_api_request_duration_seconds",
				Help:    "Duration of API requests including retries, in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_api_requests_in_flight",
				Help: "Number of API requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_errors_total",
				Help: "Total number of classified errors by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
		refreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_session_refresh_total",
				Help: "Total number of session refresh calls by outcome",
			},
			[]string{"outcome"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portal_api_session_refresh_duration_seconds",
				Help:    "Duration of session refresh calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		refreshWaiters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_api_session_refresh_waiters_total",
				Help: "Requests that waited on a refresh started by another request",
			},
		),
		rateLimitCooldowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_rate_limit_cooldown_hits_total",
				Help: "Requests rejected locally because the endpoint is cooling down after a 429",
			},
			[]string{"endpoint"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_retry_budget_exceeded_total",
				Help: "Total number of times retry budget was exceeded",
			},
			[]string{"host"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_api_events_total",
				Help: "Events published to subscribers by type",
			},
			[]string{"type"},
		),
	}
	if reg, ok := registerer.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind ErrorKind, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(kind.String(), method, endpoint).Inc()
}

// RecordRefresh counts a refresh call and its duration.
func (mc *MetricsCollector) RecordRefresh(outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.refreshTotal.WithLabelValues(outcome).Inc()
	mc.refreshDuration.Observe(duration.Seconds())
}

// RecordRefreshWaiter counts a request that reused another request's refresh.
func (mc *MetricsCollector) RecordRefreshWaiter() {
	if mc == nil {
		return
	}

	mc.refreshWaiters.Inc()
}

// RecordRateLimitCooldown counts a request short-circuited by a cooldown.
func (mc *MetricsCollector) RecordRateLimitCooldown(endpoint string) {
	if mc == nil {
		return
	}

	mc.rateLimitCooldowns.WithLabelValues(endpoint).Inc()
}

// RecordRetryBudgetExceeded increments retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}

	host := endpoint
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		host = endpoint[:idx]
	}

	mc.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordEvent counts a published event.
func (mc *MetricsCollector) RecordEvent(eventType string) {
	if mc == nil {
		return
	}

	mc.eventsTotal.WithLabelValues(eventType).Inc()
}

// GetRegistry exposes the underlying prometheus registry, nil when the
// collector was built on a plain Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
