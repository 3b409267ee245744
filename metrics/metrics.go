// Package metrics provides Prometheus metrics for authorization operations.
//
// A nil *Metrics and one created with New(false) are both no-ops, so
// components accept an optional *Metrics without guarding every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for authorization operations.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authRequestsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Guard metrics
	guardDecisionsTotal *prometheus.CounterVec
	guardDuration       prometheus.Histogram

	// Cache metrics
	cacheEntriesTotal *prometheus.GaugeVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissTotal    *prometheus.CounterVec

	// Resolution metrics
	membershipFetchDuration *prometheus.HistogramVec
	contextTransitionsTotal *prometheus.CounterVec
	tenantSwitchesTotal     *prometheus.CounterVec
	impersonationsTotal     *prometheus.CounterVec

	// Backend metrics
	backendUp *prometheus.GaugeVec
}

type options struct {
	registerer prometheus.Registerer
}

// Option configures metric registration.
type Option func(*options)

// WithRegisterer registers metrics with reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	o := options{registerer: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	factory := promauto.With(o.registerer)

	// Authentication metrics
	m.authRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_auth_requests_total",
		Help: "Total successfully authenticated requests",
	}, []string{"transport"})

	m.authFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_auth_failures_total",
		Help: "Total authentication failures",
	}, []string{"transport", "reason"})

	// Guard metrics
	m.guardDecisionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_guard_decisions_total",
		Help: "Total authorization guard decisions",
	}, []string{"requirement", "outcome"})

	m.guardDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "authctx_guard_evaluation_duration_seconds",
		Help:    "Guard evaluation duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Cache metrics
	m.cacheEntriesTotal = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "authctx_cache_entries",
		Help: "Current number of entries in cache",
	}, []string{"cache_type"})

	m.cacheHitsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_cache_hits_total",
		Help: "Total cache hits",
	}, []string{"cache_type"})

	m.cacheMissTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_cache_misses_total",
		Help: "Total cache misses",
	}, []string{"cache_type"})

	// Resolution metrics
	m.membershipFetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authctx_membership_fetch_duration_seconds",
		Help:    "Membership backend fetch duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	m.contextTransitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_context_transitions_total",
		Help: "Total published authorization contexts by status",
	}, []string{"status"})

	m.tenantSwitchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_tenant_switches_total",
		Help: "Total tenant switch attempts",
	}, []string{"result"})

	m.impersonationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "authctx_impersonations_total",
		Help: "Total impersonation exchanges",
	}, []string{"result"})

	// Backend metrics
	m.backendUp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "authctx_backend_up",
		Help: "Backend reachability (0=down, 1=up)",
	}, []string{"backend"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordAuthSuccess records a successfully authenticated request.
func (m *Metrics) RecordAuthSuccess(transport string) {
	if !m.on() {
		return
	}
	m.authRequestsTotal.WithLabelValues(transport).Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(transport, reason string) {
	if !m.on() {
		return
	}
	m.authFailuresTotal.WithLabelValues(transport, reason).Inc()
}

// RecordGuardDecision records a guard outcome and how long evaluation took.
func (m *Metrics) RecordGuardDecision(requirement, outcome string, d time.Duration) {
	if !m.on() {
		return
	}
	m.guardDecisionsTotal.WithLabelValues(requirement, outcome).Inc()
	m.guardDuration.Observe(d.Seconds())
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}

// SetCacheSize sets the current cache size.
func (m *Metrics) SetCacheSize(cacheType string, size float64) {
	if !m.on() {
		return
	}
	m.cacheEntriesTotal.WithLabelValues(cacheType).Set(size)
}

// RecordMembershipFetch records one backend membership load.
func (m *Metrics) RecordMembershipFetch(result string, d time.Duration) {
	if !m.on() {
		return
	}
	m.membershipFetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordTransition records a published authorization context.
func (m *Metrics) RecordTransition(status string) {
	if !m.on() {
		return
	}
	m.contextTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordTenantSwitch records a tenant switch attempt.
func (m *Metrics) RecordTenantSwitch(result string) {
	if !m.on() {
		return
	}
	m.tenantSwitchesTotal.WithLabelValues(result).Inc()
}

// RecordImpersonation records an impersonation exchange.
func (m *Metrics) RecordImpersonation(result string) {
	if !m.on() {
		return
	}
	m.impersonationsTotal.WithLabelValues(result).Inc()
}

// SetBackendState sets the backend reachability (0=down, 1=up).
func (m *Metrics) SetBackendState(backend string, up bool) {
	if !m.on() {
		return
	}
	state := 0.0
	if up {
		state = 1.0
	}
	m.backendUp.WithLabelValues(backend).Set(state)
}
