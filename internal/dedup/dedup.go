// Package dedup implements the Deduplicator: the serializable,
// exactly-once-in-effect merge of an ingested Alert into an existing
// OPEN/ACKNOWLEDGED Incident sharing its fingerprint, or the creation of a
// new Incident via the Router, per spec §4.2.
package dedup

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/router"
	"github.com/thanigaiv/oncallforge/internal/store"
)

const (
	retryBase   = 100 * time.Millisecond
	maxAttempts = 3

	// defaultWindow is used when an integration has no configured
	// DedupeWindowMin, mirroring model.Integration's own documented
	// default.
	defaultWindow = 15 * time.Minute
	minWindow     = 1 * time.Minute
	maxWindow     = 120 * time.Minute
)

// LifecycleSink receives best-effort incident lifecycle notifications
// after a Deduplicate commit. A failure here must never roll back or
// retry the incident creation itself, per spec §4.2's explicit note that
// "workflow-trigger errors must not roll back incident creation".
type LifecycleSink interface {
	IncidentCreated(ctx context.Context, incidentID string)
}

// Deduplicator implements Deduplicate.
type Deduplicator struct {
	store  store.Store
	router *router.Router
	clk    clock.Clock
	logger logging.Logger
	sinks  []LifecycleSink
}

func New(st store.Store, rtr *router.Router, clk clock.Clock, logger logging.Logger, sinks ...LifecycleSink) *Deduplicator {
	return &Deduplicator{store: st, router: rtr, clk: clk, logger: logger, sinks: sinks}
}

// Deduplicate implements spec §4.2's contract. It retries ClassConflict
// (serialization) failures with exponential backoff up to maxAttempts,
// then surfaces as ClassConflict.
func (d *Deduplicator) Deduplicate(ctx context.Context, alertID string) (incidentID string, isDuplicate bool, err error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			d.sleep(attempt)
		}

		incidentID, isDuplicate, err = d.attempt(ctx, alertID)
		if err == nil {
			if !isDuplicate {
				d.notifyCreated(ctx, incidentID)
			}
			return incidentID, isDuplicate, nil
		}
		if errs.ClassOf(err) != errs.ClassConflict {
			return "", false, err
		}
		lastErr = err
		if d.logger != nil {
			d.logger.WarnContext(ctx, "dedup serialization conflict, retrying", map[string]interface{}{
				"alert_id": alertID, "attempt": attempt + 1, "error": err.Error(),
			})
		}
	}
	return "", false, errs.Conflict("dedup.Deduplicate", lastErr)
}

// dedupeWindow clamps an integration's configured DedupeWindowMin to
// [1,120] minutes, falling back to defaultWindow when unset.
func dedupeWindow(minutes int) time.Duration {
	if minutes <= 0 {
		return defaultWindow
	}
	w := time.Duration(minutes) * time.Minute
	if w < minWindow {
		return minWindow
	}
	if w > maxWindow {
		return maxWindow
	}
	return w
}

func (d *Deduplicator) sleep(attempt int) {
	backoff := time.Duration(float64(retryBase) * math.Pow(2, float64(attempt-1)))
	<-d.clk.After(backoff)
}

func (d *Deduplicator) attempt(ctx context.Context, alertID string) (string, bool, error) {
	alert, err := d.store.Alerts().Get(ctx, alertID)
	if err != nil {
		return "", false, err
	}

	window := defaultWindow
	if alert.IntegrationID != "" {
		if integ, err := d.store.Integrations().Get(ctx, alert.IntegrationID); err == nil {
			window = dedupeWindow(integ.DedupeWindowMin)
		}
	}

	var incidentID string
	var duplicate bool

	txFn := func(ctx context.Context, tx store.Tx) error {
		since := d.clk.Now().Add(-window)
		existing, err := tx.Incidents().FindOpenByFingerprint(ctx, alert.Fingerprint, since)
		if err == nil && existing != nil {
			if err := tx.Alerts().SetIncident(ctx, alert.ID, existing.ID); err != nil {
				return err
			}
			if err := tx.Incidents().IncrementAlertCount(ctx, existing.ID); err != nil {
				return err
			}
			incidentID = existing.ID
			duplicate = true
			return nil
		}

		decision, err := d.router.Route(ctx, alert, "")
		if err != nil {
			return err
		}

		inc := &model.Incident{
			ID:                 uuid.NewString(),
			Fingerprint:        alert.Fingerprint,
			Status:             model.IncidentOpen,
			Priority:           alert.Severity,
			TeamID:             decision.TeamID,
			EscalationPolicyID: decision.EscalationPolicyID,
			ServiceID:          decision.ServiceID,
			AssignedUserID:     decision.AssignedUserID,
			CurrentLevel:       1,
			CurrentRepeat:      1,
			AlertCount:         1,
			CreatedAt:          d.clk.Now(),
		}
		if err := tx.Incidents().Create(ctx, inc); err != nil {
			return err
		}
		if err := tx.Alerts().SetIncident(ctx, alert.ID, inc.ID); err != nil {
			return err
		}
		incidentID = inc.ID
		duplicate = false
		return nil
	}

	var txErr error
	if fpTxer, ok := d.store.(store.FingerprintTxer); ok {
		txErr = fpTxer.WithFingerprintTx(ctx, alert.Fingerprint, txFn)
	} else {
		txErr = d.store.WithTx(ctx, store.Serializable, txFn)
	}
	if txErr != nil {
		return "", false, txErr
	}
	return incidentID, duplicate, nil
}

// notifyCreated fans the incident.created lifecycle event out to every
// registered sink, best-effort: a sink's panic or slow call never
// prevents Deduplicate from having already returned success to its
// caller, since this runs after the transaction has committed.
func (d *Deduplicator) notifyCreated(ctx context.Context, incidentID string) {
	for _, sink := range d.sinks {
		func(s LifecycleSink) {
			defer func() {
				if r := recover(); r != nil && d.logger != nil {
					d.logger.ErrorContext(ctx, "lifecycle sink panicked", map[string]interface{}{
						"incident_id": incidentID, "panic": r,
					})
				}
			}()
			s.IncidentCreated(ctx, incidentID)
		}(sink)
	}
}
