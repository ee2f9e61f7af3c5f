// Package metrics holds the Prometheus collectors exported by the server.
// A nil *Metrics is valid and records nothing, so services can be built in
// tests without a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	accessDecisions     *prometheus.CounterVec
	deletionTransitions *prometheus.CounterVec
	mfaFailures         prometheus.Counter
	notifications       *prometheus.CounterVec
	auditEvents         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access decisions by requester role, outcome and reason",
		}, []string{"role", "outcome", "reason"}),
		deletionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deletion_transitions_total",
			Help: "Deletion request state transitions",
		}, []string{"transition"}),
		mfaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mfa_verification_failures_total",
			Help: "Failed MFA verifications on deletion requests",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification delivery attempts by channel and status",
		}, []string{"channel", "status"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Access events handed to the audit sink",
		}, []string{"status"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.accessDecisions,
		m.deletionTransitions,
		m.mfaFailures,
		m.notifications,
		m.auditEvents,
	)
	return m
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) AccessDecision(role, outcome, reason string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(role, outcome, reason).Inc()
}

func (m *Metrics) DeletionTransition(transition string) {
	if m == nil {
		return
	}
	m.deletionTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) MFAFailure() {
	if m == nil {
		return
	}
	m.mfaFailures.Inc()
}

func (m *Metrics) NotificationDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) AuditEvent(status string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
