package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func newFixture(t *testing.T) (*Ingestor, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutIntegration(&model.Integration{
		ID:                 "integ-1",
		Name:               "generic",
		Active:             true,
		Provider:           "generic",
		Secret:             "shh",
		SignatureHeader:    "X-Signature",
		SignatureAlgorithm: "sha256",
		SignatureFormat:    "hex",
		DedupeWindowMin:    15,
	})
	clk := clock.NewFake(time.Now())
	q := queue.NewMemory(clk, logging.NoOp())
	c := cache.NewMemory(clk)
	ig := New(mem, c, q, clk, logging.NoOp(), nil)
	return ig, mem
}

func body(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestIngestWebhook_Created(t *testing.T) {
	ig, _ := newFixture(t)
	payload := body(t, genericPayload{
		Title: "disk full", Severity: "CRITICAL", Timestamp: "1700000000",
	})
	sig := sign("shh", payload)

	id, outcome, err := ig.IngestWebhook(context.Background(), "generic", Headers{Signature: sig}, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NotEmpty(t, id)
}

func TestIngestWebhook_BadSignatureRejected(t *testing.T) {
	ig, _ := newFixture(t)
	payload := body(t, genericPayload{Title: "x", Severity: "HIGH", Timestamp: "1700000000"})

	_, outcome, err := ig.IngestWebhook(context.Background(), "generic", Headers{Signature: "deadbeef"}, payload)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestIngestWebhook_MissingIntegration(t *testing.T) {
	ig, _ := newFixture(t)
	_, _, err := ig.IngestWebhook(context.Background(), "nope", Headers{Signature: "x"}, []byte("{}"))
	require.Error(t, err)
}

func TestIngestWebhook_ValidationFailure(t *testing.T) {
	ig, _ := newFixture(t)
	payload := body(t, genericPayload{}) // missing title/severity/timestamp
	sig := sign("shh", payload)

	_, outcome, err := ig.IngestWebhook(context.Background(), "generic", Headers{Signature: sig}, payload)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestIngestWebhook_IdempotencyKeyDuplicate(t *testing.T) {
	ig, _ := newFixture(t)
	payload := body(t, genericPayload{Title: "flap", Severity: "LOW", Timestamp: "1700000000"})
	sig := sign("shh", payload)
	headers := Headers{Signature: sig, IdempotencyKey: "key-1"}

	first, outcome, err := ig.IngestWebhook(context.Background(), "generic", headers, payload)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	second, outcome, err := ig.IngestWebhook(context.Background(), "generic", headers, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, first, second)
}

func TestIngestWebhook_ExternalIDDuplicate(t *testing.T) {
	ig, _ := newFixture(t)
	payload := body(t, genericPayload{Title: "flap", Severity: "LOW", Timestamp: "1700000000", ExternalID: "ext-1"})
	sig := sign("shh", payload)

	first, outcome, err := ig.IngestWebhook(context.Background(), "generic", Headers{Signature: sig}, payload)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	second, outcome, err := ig.IngestWebhook(context.Background(), "generic", Headers{Signature: sig}, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, first, second)
}

func TestDatadogAdapter_SeverityMapping(t *testing.T) {
	payload := body(t, datadogPayload{
		Title: "cpu", Priority: "P1", Date: 1700000000000, ID: "dd-1", Tags: []string{"service:checkout"},
	})
	n, err := DatadogAdapter{}.Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, n.Severity)
	assert.Equal(t, "checkout", n.Service)
}

func TestAlertmanagerAdapter_UsesFirstAlert(t *testing.T) {
	payload := []byte(`{
		"status": "firing",
		"alerts": [
			{"status":"firing","labels":{"severity":"EMERGENCY","service":"api"},"annotations":{"summary":"p99 high"},"startsAt":"2024-01-01T00:00:00Z","fingerprint":"am-1"}
		]
	}`)
	n, err := AlertmanagerAdapter{}.Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, n.Severity)
	assert.Equal(t, "p99 high", n.Title)
	assert.Equal(t, "api", n.Service)
}
