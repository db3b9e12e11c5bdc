package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane's Prometheus collectors, registered on a
// private registry (not the global DefaultRegisterer) so that running
// multiple instances of Metrics in one process, as package tests do, never
// panics on a duplicate registration. Wiring grounded on the pack's
// FluxForge control-plane main, which exposes the same promhttp.Handler()
// shape from its own private mux.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksReceived   *prometheus.CounterVec
	IncidentsCreated    *prometheus.CounterVec
	IncidentsResolved   prometheus.Counter
	NotificationsSent   *prometheus.CounterVec
	EscalationsFired    prometheus.Counter
	WorkflowExecutions  *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// NewMetrics constructs and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "webhooks_received_total",
			Help:      "Webhook ingestion attempts by integration and outcome.",
		}, []string{"integration", "outcome"}),
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "incidents_created_total",
			Help:      "Incidents created, by initial severity.",
		}, []string{"severity"}),
		IncidentsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "incidents_resolved_total",
			Help:      "Incidents transitioned to resolved.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "notifications_sent_total",
			Help:      "Notification attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		EscalationsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "escalations_fired_total",
			Help:      "Escalation-policy levels advanced due to timeout.",
		}),
		WorkflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oncallforge",
			Name:      "workflow_executions_total",
			Help:      "Workflow runs by workflow name and outcome.",
		}, []string{"workflow", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oncallforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_class"}),
	}

	reg.MustRegister(
		m.WebhooksReceived,
		m.IncidentsCreated,
		m.IncidentsResolved,
		m.NotificationsSent,
		m.EscalationsFired,
		m.WorkflowExecutions,
		m.RequestDuration,
	)
	return m
}

// Handler returns the /metrics endpoint serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
