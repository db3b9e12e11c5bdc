package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_HandlerServesRegisteredCollectors(t *testing.T) {
	m := NewMetrics()
	m.WebhooksReceived.WithLabelValues("datadog", "created").Inc()
	m.IncidentsResolved.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "oncallforge_webhooks_received_total")
	assert.Contains(t, body, "oncallforge_incidents_resolved_total")
}

func TestNewMetrics_DoesNotPanicOnSecondInstance(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
