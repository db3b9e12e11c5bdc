// Package ingestion implements the signed webhook receiver: signature
// verification, provider-specific payload normalization, idempotent alert
// persistence and delivery logging, grounded on the teacher's own inbound
// HTTP handling shape (framework.go's request validation + structured
// error returns) generalized to a pluggable per-integration adapter.
package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// Outcome is the result of IngestWebhook, per spec §4.1.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

const idempotencyWindow = 24 * time.Hour

// NormalizedAlert is what a provider Adapter extracts from a raw payload
// before persistence.
type NormalizedAlert struct {
	Title      string
	Severity   model.Severity
	Timestamp  time.Time
	ExternalID string
	RoutingKey string // from metadata's routing_key/routingKey
	Service    string // from metadata's service/service_name, for tag routing fallback
	Metadata   map[string]interface{}
}

// Validate reports a field-level error map if required fields are absent,
// per spec §4.1 step 4 ("ValidationFailed with a field-level report").
func (n NormalizedAlert) Validate() map[string]string {
	fields := map[string]string{}
	if n.Title == "" {
		fields["title"] = "required"
	}
	if n.Severity == "" {
		fields["severity"] = "required"
	}
	if n.Timestamp.IsZero() {
		fields["timestamp"] = "required"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Adapter normalizes one provider's webhook payload shape (Datadog,
// Prometheus Alertmanager, a generic JSON shape, ...) into a
// NormalizedAlert and computes the fields that feed the fingerprint.
type Adapter interface {
	Normalize(rawBody []byte) (NormalizedAlert, error)
}

// Headers is the subset of the inbound request the ingestion pipeline
// needs, kept decoupled from net/http so it's easy to unit test.
type Headers struct {
	Signature      string
	IdempotencyKey string
}

// Ingestor implements IngestWebhook.
type Ingestor struct {
	store    store.Store
	cache    cache.Cache
	queue    queue.Queue
	clk      clock.Clock
	logger   logging.Logger
	adapters map[string]Adapter
}

func New(st store.Store, ch cache.Cache, q queue.Queue, clk clock.Clock, logger logging.Logger, adapters map[string]Adapter) *Ingestor {
	return &Ingestor{store: st, cache: ch, queue: q, clk: clk, logger: logger, adapters: adapters}
}

// IngestWebhook implements the contract of spec §4.1.
func (ig *Ingestor) IngestWebhook(ctx context.Context, integrationName string, headers Headers, rawBody []byte) (alertID string, outcome Outcome, err error) {
	start := ig.clk.Now()

	integ, err := ig.store.Integrations().GetByName(ctx, integrationName)
	if err != nil {
		return "", OutcomeRejected, err
	}
	if !integ.Active {
		return "", OutcomeRejected, errs.NotFound("ingestion.IngestWebhook", integrationName)
	}

	if !verifySignature(integ, headers.Signature, rawBody) {
		return "", OutcomeRejected, errs.New("ingestion.IngestWebhook", errs.ClassAuth, errs.ErrUnauthenticated)
	}

	adapter, ok := ig.adapters[integ.Provider]
	if !ok {
		adapter = genericAdapter{}
	}
	normalized, err := adapter.Normalize(rawBody)
	if err != nil {
		ig.recordDelivery(ctx, integ.ID, 400, start)
		return "", OutcomeRejected, errs.New("ingestion.IngestWebhook", errs.ClassValidation, err)
	}
	if normalized.Service == "" {
		normalized.Service = integ.DefaultServiceID
	}

	if fields := normalized.Validate(); fields != nil {
		ig.recordDelivery(ctx, integ.ID, 400, start)
		return "", OutcomeRejected, errs.Validation("ingestion.IngestWebhook", fields)
	}

	fingerprint := fingerprintOf(integ.ID, normalized)

	if headers.IdempotencyKey != "" {
		if existing, seen, cerr := ig.store.Integrations().SeenIdempotencyKey(ctx, integ.ID, headers.IdempotencyKey, idempotencyWindow); cerr == nil && seen {
			ig.recordDelivery(ctx, integ.ID, 200, start)
			return existing, OutcomeDuplicate, nil
		}
	}
	if normalized.ExternalID != "" {
		if existing, err := ig.store.Alerts().GetByExternalID(ctx, integ.ID, normalized.ExternalID); err == nil && existing != nil {
			ig.recordDelivery(ctx, integ.ID, 200, start)
			return existing.ID, OutcomeDuplicate, nil
		}
	}

	alert := &model.Alert{
		ID:            uuid.NewString(),
		IntegrationID: integ.ID,
		Title:         normalized.Title,
		Severity:      normalized.Severity,
		Status:        model.AlertOpen,
		Fingerprint:   fingerprint,
		Metadata:      mergeRouting(normalized),
		ExternalID:    normalized.ExternalID,
		ReceivedAt:    ig.clk.Now(),
	}
	if err := ig.store.Alerts().Create(ctx, alert); err != nil {
		ig.recordDelivery(ctx, integ.ID, 500, start)
		return "", OutcomeRejected, err
	}
	if headers.IdempotencyKey != "" {
		_ = ig.store.Integrations().RecordIdempotencyKey(ctx, integ.ID, headers.IdempotencyKey, alert.ID)
	}
	ig.recordDelivery(ctx, integ.ID, 201, start)

	if _, err := ig.queue.Enqueue(ctx, "dedupe", []byte(alert.ID), ig.clk.Now()); err != nil {
		if ig.logger != nil {
			ig.logger.ErrorContext(ctx, "failed to enqueue dedupe job", map[string]interface{}{"alert_id": alert.ID, "error": err.Error()})
		}
	}

	return alert.ID, OutcomeCreated, nil
}

func (ig *Ingestor) recordDelivery(ctx context.Context, integrationID string, status int, start time.Time) {
	_ = ig.store.Deliveries().Create(ctx, &model.WebhookDelivery{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		StatusCode:    status,
		LatencyMS:     ig.clk.Now().Sub(start).Milliseconds(),
		ReceivedAt:    start,
	})
}

// verifySignature HMACs rawBody with the integration's secret and compares
// against the supplied header value using a constant-time comparison, per
// spec §4.1 step 2.
func verifySignature(integ *model.Integration, sigHeader string, rawBody []byte) bool {
	if sigHeader == "" || integ.Secret == "" {
		return false
	}
	var mac []byte
	switch integ.SignatureAlgorithm {
	case "sha1":
		h := hmac.New(sha1.New, []byte(integ.Secret))
		h.Write(rawBody)
		mac = h.Sum(nil)
	default: // sha256
		h := hmac.New(sha256.New, []byte(integ.Secret))
		h.Write(rawBody)
		mac = h.Sum(nil)
	}

	var expected string
	if integ.SignatureFormat == "base64" {
		expected = base64.StdEncoding.EncodeToString(mac)
	} else {
		expected = hex.EncodeToString(mac)
	}
	return hmac.Equal([]byte(expected), []byte(sigHeader))
}

func fingerprintOf(integrationID string, n NormalizedAlert) string {
	h := sha256.New()
	h.Write([]byte(integrationID))
	h.Write([]byte("|"))
	h.Write([]byte(n.Title))
	h.Write([]byte("|"))
	h.Write([]byte(n.Severity))
	h.Write([]byte("|"))
	h.Write([]byte(n.RoutingKey))
	h.Write([]byte("|"))
	h.Write([]byte(n.Service))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func mergeRouting(n NormalizedAlert) map[string]interface{} {
	meta := map[string]interface{}{}
	for k, v := range n.Metadata {
		meta[k] = v
	}
	if n.RoutingKey != "" {
		meta["routing_key"] = n.RoutingKey
	}
	if n.Service != "" {
		meta["service"] = n.Service
	}
	return meta
}

// genericAdapter is the fallback used when an integration's provider has
// no registered adapter; it expects the common field names directly.
type genericAdapter struct{}

func (genericAdapter) Normalize(rawBody []byte) (NormalizedAlert, error) {
	return parseGenericJSON(rawBody)
}
