// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for Authgate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus gauges/counters and atomic counters for
// fast-path access in the gateway hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	resumed       int64
	forbidden     int64
	passthrough   int64
	backendErrors int64
	cacheHits     int64
	cacheMisses   int64
	eventsDropped int64

	// Prometheus counters for scraping.
	promResumed       prometheus.Counter
	promForbidden     prometheus.Counter
	promPassthrough   prometheus.Counter
	promBackendErrors prometheus.Counter
	promCacheMisses   prometheus.Counter
	promCacheStores   prometheus.Counter
	promEventsDropped prometheus.Counter
	promReloads       prometheus.Counter
	promReloadErrors  prometheus.Counter

	// Cache hits are split by tier. Tiers are a fixed two-value set, so the
	// label is safe from cardinality explosions.
	promCacheHits *prometheus.CounterVec

	// Per-service counters. Services are bounded configured entities, so
	// using a label is safe.
	promServiceResumed   *prometheus.CounterVec
	promServiceForbidden *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromBackendDuration prometheus.Histogram
	PromOriginDuration  prometheus.Histogram

	// PromEventsSendFailures counts batches that could not be delivered
	// after exhausting retries.
	PromEventsSendFailures prometheus.Counter

	// PromWaiting tracks requests currently parked for a backend verdict.
	PromWaiting prometheus.GaugeFunc

	// PromConfigVersion exposes the active snapshot generation.
	PromConfigVersion prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics. waiting reports the
// number of requests currently awaiting a backend verdict; pass nil when no
// registry exists yet.
func NewMetrics(reg prometheus.Registerer, waiting func() float64) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if waiting == nil {
		waiting = func() float64 { return 0 }
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promResumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "requests_resumed_total",
			Help:      "Total number of requests authorized and forwarded to the origin.",
		}),
		promForbidden: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "requests_forbidden_total",
			Help:      "Total number of requests rejected with 403.",
		}),
		promPassthrough: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "requests_passthrough_total",
			Help:      "Total number of requests forwarded with passthrough metadata.",
		}),
		promBackendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "backend_errors_total",
			Help:      "Total number of policy backend transport failures.",
		}),
		promCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "decision_cache_hits_total",
			Help:      "Total decision cache hits by tier.",
		}, []string{"tier"}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "decision_cache_misses_total",
			Help:      "Total decision cache misses.",
		}),
		promCacheStores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "decision_cache_stores_total",
			Help:      "Total decisions written to the cache.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "events_dropped_total",
			Help:      "Total auth events dropped due to a full buffer.",
		}),
		promReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "config_reloads_total",
			Help:      "Total successful configuration reloads.",
		}),
		promReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "config_reload_errors_total",
			Help:      "Total configuration reloads rejected as invalid.",
		}),
		promServiceResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "service_requests_resumed_total",
			Help:      "Total requests authorized per service.",
		}, []string{"service"}),
		promServiceForbidden: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "service_requests_forbidden_total",
			Help:      "Total requests rejected per service.",
		}, []string{"service"}),
		PromEventsSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "events_send_failures_total",
			Help:      "Total auth event batches dropped after exhausting delivery retries.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromBackendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authgate",
			Name:      "backend_call_duration_seconds",
			Help:      "Policy backend round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromOriginDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authgate",
			Name:      "origin_duration_seconds",
			Help:      "Origin forwarding duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromWaiting: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "authgate",
			Name:      "requests_waiting",
			Help:      "Requests currently awaiting a policy backend verdict.",
		}, waiting),
		PromConfigVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "authgate",
			Name:      "config_version",
			Help:      "Version number of the active configuration snapshot.",
		}),
	}

	return m
}

// IncResumed increments the authorized-and-forwarded counter.
func (m *Metrics) IncResumed() {
	atomic.AddInt64(&m.resumed, 1)
	m.promResumed.Inc()
}

// IncForbidden increments the rejected counter.
func (m *Metrics) IncForbidden() {
	atomic.AddInt64(&m.forbidden, 1)
	m.promForbidden.Inc()
}

// IncPassthrough increments the passthrough-metadata counter.
func (m *Metrics) IncPassthrough() {
	atomic.AddInt64(&m.passthrough, 1)
	m.promPassthrough.Inc()
}

// IncBackendErrors increments the backend transport failure counter.
func (m *Metrics) IncBackendErrors() {
	atomic.AddInt64(&m.backendErrors, 1)
	m.promBackendErrors.Inc()
}

// IncCacheHit increments the decision cache hit counter for a tier.
func (m *Metrics) IncCacheHit(tier string) {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.WithLabelValues(tier).Inc()
}

// IncCacheMiss increments the decision cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncCacheStore increments the decision cache store counter.
func (m *Metrics) IncCacheStore() {
	m.promCacheStores.Inc()
}

// IncEventsDropped increments the dropped events counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// IncReloads increments the successful reload counter.
func (m *Metrics) IncReloads() {
	m.promReloads.Inc()
}

// IncReloadErrors increments the rejected reload counter.
func (m *Metrics) IncReloadErrors() {
	m.promReloadErrors.Inc()
}

// IncServiceResumed increments the per-service authorized counter.
func (m *Metrics) IncServiceResumed(service string) {
	m.promServiceResumed.WithLabelValues(service).Inc()
}

// IncServiceForbidden increments the per-service rejected counter.
func (m *Metrics) IncServiceForbidden(service string) {
	m.promServiceForbidden.WithLabelValues(service).Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Resumed       int64
	Forbidden     int64
	Passthrough   int64
	BackendErrors int64
	CacheHits     int64
	CacheMisses   int64
	EventsDropped int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Resumed:       atomic.LoadInt64(&m.resumed),
		Forbidden:     atomic.LoadInt64(&m.forbidden),
		Passthrough:   atomic.LoadInt64(&m.passthrough),
		BackendErrors: atomic.LoadInt64(&m.backendErrors),
		CacheHits:     atomic.LoadInt64(&m.cacheHits),
		CacheMisses:   atomic.LoadInt64(&m.cacheMisses),
		EventsDropped: atomic.LoadInt64(&m.eventsDropped),
	}
}
