// Package telemetry produces per-request correlation IDs and records
// counters/gauges/histograms, exposing them as Prometheus text (spec §2's
// Trace/metric sink). Grounded on the teacher's declared but unwired
// prometheus/client_golang dependency.
package telemetry

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// NewTraceID returns a fresh correlation ID for one inbound request. Every
// log line, audit event, metric label, and error body carries this value
// end to end (spec §3 invariant, §7 propagation policy).
func NewTraceID() string {
	return uuid.NewString()
}

// Sink owns a private Prometheus registry (not the global default one, so
// the application container controls its lifecycle per spec §9) and the
// gateway's fixed metric set.
type Sink struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RateLimitDenied    *prometheus.CounterVec
	RateLimitFailOpen  prometheus.Counter
	SessionsActive     prometheus.Gauge
	WSConnections      *prometheus.GaugeVec
	ProxyRetries       *prometheus.CounterVec
	AuditEventsTotal   *prometheus.CounterVec
	TokenExchangeTotal *prometheus.CounterVec
}

// NewSink registers the gateway's metric set on a fresh registry.
func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfront_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyfront_request_duration_seconds",
			Help:    "Request handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfront_ratelimit_denied_total",
			Help: "Requests denied by the rate limiter, by key policy.",
		}, []string{"key_policy"}),
		RateLimitFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyfront_ratelimit_failopen_total",
			Help: "Rate-limit checks that failed open due to a KV error.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfront_sessions_active",
			Help: "Approximate count of non-expired sessions.",
		}),
		WSConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyfront_ws_connections",
			Help: "Open WebSocket bridge connections, by tenant.",
		}, []string{"tenant"}),
		ProxyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfront_proxy_retries_total",
			Help: "Reverse proxy retry attempts, by reason.",
		}, []string{"reason"}),
		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfront_audit_events_total",
			Help: "Audit events recorded, by result.",
		}, []string{"result"}),
		TokenExchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfront_token_exchange_total",
			Help: "Token exchange attempts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		s.RequestsTotal, s.RequestDuration, s.RateLimitDenied, s.RateLimitFailOpen,
		s.SessionsActive, s.WSConnections, s.ProxyRetries, s.AuditEventsTotal, s.TokenExchangeTotal,
	)
	return s
}

// Handler exposes the registry as Prometheus text for GET /api/metrics.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
