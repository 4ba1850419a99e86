// Package metrics exposes Prometheus collectors for the planner.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and every collector.
type Metrics struct {
	registry *prometheus.Registry

	crmRequests       *prometheus.CounterVec
	crmAuths          *prometheus.CounterVec
	capabilityCalls   *prometheus.CounterVec
	capabilityLatency *prometheus.HistogramVec
	turns             *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	analysisRuns      *prometheus.CounterVec
	connections       prometheus.Gauge
	liveSessions      prometheus.Gauge
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		crmRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_crm_requests_total",
				Help: "CRM API request attempts by outcome",
			},
			[]string{"outcome"},
		),
		crmAuths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_crm_authentications_total",
				Help: "CRM OAuth token requests by grant and outcome",
			},
			[]string{"grant", "outcome"},
		),
		capabilityCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_capability_calls_total",
				Help: "Analysis capability invocations by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		capabilityLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqplan_capability_duration_seconds",
				Help:    "Analysis capability call latency",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
			},
			[]string{"role"},
		),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_turns_total",
				Help: "User turns handled, labelled by resulting conversation state",
			},
			[]string{"state"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_backend_fallbacks_total",
				Help: "Coordinator fallbacks by outcome",
			},
			[]string{"outcome"},
		),
		analysisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqplan_analysis_runs_total",
				Help: "Background analysis runs by outcome",
			},
			[]string{"outcome"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reqplan_push_connections",
			Help: "Open push connections",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reqplan_live_sessions",
			Help: "Sessions held in the live registry",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.crmRequests, m.crmAuths,
		m.capabilityCalls, m.capabilityLatency,
		m.turns, m.fallbacks, m.analysisRuns,
		m.connections, m.liveSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CRMRequest counts one CRM request attempt.
func (m *Metrics) CRMRequest(outcome string) {
	if m == nil {
		return
	}
	m.crmRequests.WithLabelValues(outcome).Inc()
}

// CRMAuth counts one token request.
func (m *Metrics) CRMAuth(grant, outcome string) {
	if m == nil {
		return
	}
	m.crmAuths.WithLabelValues(grant, outcome).Inc()
}

// CapabilityCall records one capability invocation.
func (m *Metrics) CapabilityCall(role, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.capabilityCalls.WithLabelValues(role, outcome).Inc()
	m.capabilityLatency.WithLabelValues(role).Observe(seconds)
}

// Turn counts a handled user turn.
func (m *Metrics) Turn(state string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(state).Inc()
}

// Fallback counts a coordinator fallback.
func (m *Metrics) Fallback(outcome string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(outcome).Inc()
}

// AnalysisRun counts a finished background analysis.
func (m *Metrics) AnalysisRun(outcome string) {
	if m == nil {
		return
	}
	m.analysisRuns.WithLabelValues(outcome).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// LiveSessions sets the live session gauge.
func (m *Metrics) LiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}
