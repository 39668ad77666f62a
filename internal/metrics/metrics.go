package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authdesk"

type Metrics struct {
	registry *prometheus.Registry

	Logins           *prometheus.CounterVec
	TokenValidations *prometheus.CounterVec
	Verifications    *prometheus.CounterVec
	ShareTransitions *prometheus.CounterVec
	AuditEntries     *prometheus.CounterVec
	Purged           *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "logins_total", Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_validations_total", Help: "Bearer token checks by outcome.",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verification_attempts_total", Help: "Verification code confirmations by outcome.",
		}, []string{"outcome"}),
		ShareTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "share_requests_total", Help: "Profile share requests by status.",
		}, []string{"status"}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_entries_total", Help: "Audit entries appended by action.",
		}, []string{"action"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "purged_records_total", Help: "Expired records removed by maintenance.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Logins, m.TokenValidations, m.Verifications, m.ShareTransitions,
		m.AuditEntries, m.Purged, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The helpers below are safe on a nil *Metrics so callers can run without
// instrumentation in tests.

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.Logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) TokenValidation(outcome string) {
	if m != nil {
		m.TokenValidations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Verification(outcome string) {
	if m != nil {
		m.Verifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Share(status string) {
	if m != nil {
		m.ShareTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Audit(action string) {
	if m != nil {
		m.AuditEntries.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Purge(kind string, n int) {
	if m != nil && n > 0 {
		m.Purged.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) HTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
