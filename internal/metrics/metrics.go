// Package metrics holds the Prometheus collectors shared by the proxy,
// certificate authority and audit pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webmon"

// Request kinds.
const (
	KindHTTP    = "http"
	KindConnect = "connect"
)

// Decisions.
const (
	DecisionAllowed = "allowed"
	DecisionBlocked = "blocked"
	DecisionError   = "error"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	blockedTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	upstreamErrors   prometheus.Counter
	tlsHandshakeErrs prometheus.Counter
	certFailures     prometheus.Counter
	ruleCount        prometheus.Gauge
	ruleReloads      *prometheus.CounterVec
	securityEvents   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by kind and decision.",
		}, []string{"kind", "decision"}),

		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Total number of blocked requests by rule category.",
		}, []string{"category"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request or tunnel.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		}, []string{"kind"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client connections.",
		}),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream connections.",
		}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of failed client TLS handshakes on intercepted connections.",
		}),

		certFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_failures_total",
			Help:      "Number of leaf certificates that could not be issued.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_enabled",
			Help:      "Number of enabled rules in the active snapshot.",
		}),

		ruleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule snapshot rebuilds by result.",
		}, []string{"result"}),

		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by type and severity.",
		}, []string{"type", "severity"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.blockedTotal,
		m.requestDuration,
		m.activeConns,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.certFailures,
		m.ruleCount,
		m.ruleReloads,
		m.securityEvents,
	)
	return m
}

// Register adds extra collectors, such as gauges owned by other components.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one request decision.
func (m *Metrics) RecordRequest(kind, decision string, d time.Duration) {
	m.requestsTotal.WithLabelValues(kind, decision).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordBlocked counts a block by rule category.
func (m *Metrics) RecordBlocked(category string) {
	if category == "" {
		category = "uncategorized"
	}
	m.blockedTotal.WithLabelValues(category).Inc()
}

// ConnOpened increments the active connection gauge.
func (m *Metrics) ConnOpened() { m.activeConns.Inc() }

// ConnClosed decrements the active connection gauge.
func (m *Metrics) ConnClosed() { m.activeConns.Dec() }

// RecordUpstreamError counts a failed upstream dial or round trip.
func (m *Metrics) RecordUpstreamError() { m.upstreamErrors.Inc() }

// RecordTLSHandshakeError counts a failed client handshake.
func (m *Metrics) RecordTLSHandshakeError() { m.tlsHandshakeErrs.Inc() }

// RecordCertificateFailure counts a leaf that could not be issued.
func (m *Metrics) RecordCertificateFailure() { m.certFailures.Inc() }

// SetRuleCount sets the enabled rule gauge.
func (m *Metrics) SetRuleCount(n int) { m.ruleCount.Set(float64(n)) }

// RecordRuleReload counts a snapshot rebuild.
func (m *Metrics) RecordRuleReload(err error) {
	if err != nil {
		m.ruleReloads.WithLabelValues("error").Inc()
		return
	}
	m.ruleReloads.WithLabelValues("ok").Inc()
}

// RecordSecurityEvent counts an emitted security event.
func (m *Metrics) RecordSecurityEvent(eventType, severity string) {
	m.securityEvents.WithLabelValues(eventType, severity).Inc()
}
