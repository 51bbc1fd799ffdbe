// Package metrics provides Prometheus instrumentation for the availability
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only availability metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the availability server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	RuleMatchesTotal    *prometheus.CounterVec
	CacheSubjects       prometheus.Gauge
	CacheRules          prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all availability metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availability_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "availability_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availability_evaluations_total",
			Help: "Total number of availability evaluations.",
		}, []string{"result"}),

		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availability_rule_matches_total",
			Help: "Total number of rule matches during evaluation.",
		}, []string{"rule_type"}),

		CacheSubjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "availability_cache_subjects",
			Help: "Number of subjects in the in-memory cache.",
		}),

		CacheRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "availability_cache_rules",
			Help: "Number of rules in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availability_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availability_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availability_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.RuleMatchesTotal,
		m.CacheSubjects,
		m.CacheRules,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records count and latency for one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(available bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(available)).Inc()
}

// RecordRuleMatch increments the rule match counter for the given rule type.
func (m *Metrics) RecordRuleMatch(ruleType string) {
	m.RuleMatchesTotal.WithLabelValues(ruleType).Inc()
}

// SetCacheSize updates the cache size gauges.
func (m *Metrics) SetCacheSize(subjects, rules float64) {
	m.CacheSubjects.Set(subjects)
	m.CacheRules.Set(rules)
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
