package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation. It is also the operational
// channel for failures that must never reach callers, such as audit writes.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	auditWriteFailures *prometheus.CounterVec
	auditDropped       prometheus.Counter
	auditWriteDuration prometheus.Histogram
	decryptFailures    prometheus.Counter
	authzDenials       *prometheus.CounterVec
	loginAttempts      *prometheus.CounterVec
	sessionExpirations prometheus.Counter
	activeSessions     prometheus.Gauge
	grantConflicts     prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	auditWriteFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted",
	}, []string{"action"})

	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "Audit entries dropped because the write queue was full",
	})

	auditWriteDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_write_duration_seconds",
		Help:    "Latency of audit writes",
		Buckets: prometheus.DefBuckets,
	})

	decryptFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cipher_decrypt_failures_total",
		Help: "Envelopes that failed to decrypt",
	})

	authzDenials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_denials_total",
		Help: "Authorization decisions that denied access",
	}, []string{"resource"})

	loginAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "login_attempts_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})

	sessionExpirations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_expirations_total",
		Help: "Sessions ended by idle timeout",
	})

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_monitored",
		Help: "Sessions currently watched for idle timeout",
	})

	grantConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "document_grant_conflicts_total",
		Help: "Grant mutations retried after a concurrent change",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, auditWriteFailures, auditDropped, auditWriteDuration,
		decryptFailures, authzDenials, loginAttempts, sessionExpirations, activeSessions, grantConflicts, goroutines)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		auditWriteFailures: auditWriteFailures,
		auditDropped:       auditDropped,
		auditWriteDuration: auditWriteDuration,
		decryptFailures:    decryptFailures,
		authzDenials:       authzDenials,
		loginAttempts:      loginAttempts,
		sessionExpirations: sessionExpirations,
		activeSessions:     activeSessions,
		grantConflicts:     grantConflicts,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAuditFailure counts an audit entry that was not persisted.
func (m *MetricsService) RecordAuditFailure(action string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(action).Inc()
}

// RecordAuditDropped counts an entry rejected by a full write queue.
func (m *MetricsService) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// ObserveAuditWrite tracks audit persistence latency.
func (m *MetricsService) ObserveAuditWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.auditWriteDuration.Observe(duration.Seconds())
}

// RecordDecryptFailure counts a rejected envelope.
func (m *MetricsService) RecordDecryptFailure() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

// RecordAuthzDenial counts a denied authorization.
func (m *MetricsService) RecordAuthzDenial(resource string) {
	if m == nil {
		return
	}
	m.authzDenials.WithLabelValues(resource).Inc()
}

// RecordLogin counts a login attempt by outcome.
func (m *MetricsService) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordSessionExpired counts an idle-timeout expiry.
func (m *MetricsService) RecordSessionExpired() {
	if m == nil {
		return
	}
	m.sessionExpirations.Inc()
}

// SetMonitoredSessions reports how many sessions are being watched.
func (m *MetricsService) SetMonitoredSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordGrantConflict counts an optimistic concurrency retry.
func (m *MetricsService) RecordGrantConflict() {
	if m == nil {
		return
	}
	m.grantConflicts.Inc()
}
