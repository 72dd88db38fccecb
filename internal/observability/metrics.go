// Package observability wires logging, Prometheus metrics and tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rateLimitChecks *prometheus.CounterVec
	loginGuard      *prometheus.CounterVec
	warmupTasks     *prometheus.CounterVec
	warmupBatch     prometheus.Histogram
	httpRequests    *prometheus.HistogramVec
	storeHealthy    prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Rate limit checks by policy and outcome.",
		}, []string{"policy", "result"}),
		loginGuard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_guard_events_total",
			Help:      "Login guard decisions by outcome.",
		}, []string{"outcome"}),
		warmupTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_warmup_tasks_total",
			Help:      "Cache warmup tasks by key kind and result.",
		}, []string{"kind", "result"}),
		warmupBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_warmup_batch_duration_seconds",
			Help:      "Duration of a whole warmup batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
		storeHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_healthy",
			Help:      "1 when the KV store answered the last health probe.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rateLimitChecks,
		m.loginGuard,
		m.warmupTasks,
		m.warmupBatch,
		m.httpRequests,
		m.storeHealthy,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRateLimit(policy string, allowed, degraded bool) {
	if m == nil {
		return
	}
	result := "denied"
	switch {
	case degraded:
		result = "degraded"
	case allowed:
		result = "allowed"
	}
	m.rateLimitChecks.WithLabelValues(policy, result).Inc()
}

func (m *Metrics) ObserveLoginGuard(outcome string) {
	if m == nil {
		return
	}
	m.loginGuard.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWarmupTask(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.warmupTasks.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveWarmupBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.warmupBatch.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (m *Metrics) SetStoreHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.storeHealthy.Set(1)
		return
	}
	m.storeHealthy.Set(0)
}
