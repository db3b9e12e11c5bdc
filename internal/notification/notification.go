// Package notification implements the Notification Dispatcher of spec
// §4.5: fanning an escalation level out to every channel in its tier,
// tracking each channel send as a NotificationLog through the monotone
// QUEUED -> SENDING -> SENT -> DELIVERED lattice (FAILED is terminal and
// reachable from any earlier state), and escalating a
// tier to the next one once enough of its channels have failed.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/providers"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// failureThreshold is the number of FAILED channel sends within one tier
// that triggers escalation to the next tier, per spec §4.5.2.
const failureThreshold = 2

// sendJob is the payload enqueued per channel send.
type sendJob struct {
	NotificationID string `json:"notification_id"`
	Address        string `json:"address"`
}

// Dispatcher implements escalation.Dispatcher by fanning a tier's channels
// out to verified contact methods and queuing the actual provider sends.
type Dispatcher struct {
	store     store.Store
	providers *providers.Registry
	q         queue.Queue
	clk       clock.Clock
	logger    logging.Logger
}

func New(st store.Store, reg *providers.Registry, q queue.Queue, clk clock.Clock, logger logging.Logger) *Dispatcher {
	return &Dispatcher{store: st, providers: reg, q: q, clk: clk, logger: logger}
}

// Dispatch implements spec §4.5's fan-out contract: for every channel in
// tier, every verified contact method the user has on that channel gets a
// QUEUED NotificationLog and a queued "notifications" send job.
func (d *Dispatcher) Dispatch(ctx context.Context, incidentID, userID string, tier model.NotifTier) error {
	user, err := d.store.Teams().User(ctx, userID)
	if err != nil {
		return err
	}
	inc, err := d.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return err
	}

	var queued int
	for _, channel := range model.TierChannels(tier) {
		contacts := user.ContactsFor(channel)
		if len(contacts) == 0 {
			if d.logger != nil {
				d.logger.WarnContext(ctx, "no verified contact for channel", map[string]interface{}{
					"user_id": userID, "channel": string(channel), "tier": string(tier),
				})
			}
			continue
		}
		for _, contact := range contacts {
			log := &model.NotificationLog{
				ID:              uuid.NewString(),
				IncidentID:      incidentID,
				UserID:          userID,
				Channel:         channel,
				EscalationLevel: inc.CurrentLevel,
				Tier:            tier,
				Status:          model.NotifQueued,
				QueuedAt:        d.clk.Now(),
			}
			if err := d.store.Notifications().Create(ctx, log); err != nil {
				return err
			}
			if err := d.enqueueSend(ctx, log.ID, contact.Address); err != nil {
				return err
			}
			queued++
		}
	}

	if queued == 0 && d.logger != nil {
		d.logger.ErrorContext(ctx, "tier dispatched no channels", map[string]interface{}{
			"incident_id": incidentID, "user_id": userID, "tier": string(tier),
		})
	}
	return nil
}

func (d *Dispatcher) enqueueSend(ctx context.Context, notificationID, address string) error {
	payload, err := json.Marshal(sendJob{NotificationID: notificationID, Address: address})
	if err != nil {
		return errs.New("notification.enqueueSend", errs.ClassInternal, err)
	}
	_, err = d.q.Enqueue(ctx, "notifications", payload, d.clk.Now())
	return err
}

// HandleSend is the "notifications" queue consumer entry point. It sends
// one channel's message, retrying the provider call in-process up to
// spec §4.5.3's policy (3 attempts, 5s initial backoff, factor 2, ±20%
// jitter) before recording a terminal SENT/FAILED status. A provider
// failure after retries exhausted is recorded as FAILED and not returned
// to the job queue (the retry budget is already spent here); HandleSend
// returns an error only for a malformed payload, a store failure, or a
// failure while escalating to the next tier.
func (d *Dispatcher) HandleSend(ctx context.Context, payload []byte) error {
	var job sendJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errs.New("notification.HandleSend", errs.ClassPermanent, err)
	}

	log, err := d.store.Notifications().Get(ctx, job.NotificationID)
	if err != nil {
		return err
	}
	if log.Status != model.NotifQueued {
		return nil // already progressed past QUEUED by an earlier/duplicate delivery
	}

	if _, err := d.store.Notifications().Transition(ctx, log.ID, model.NotifSending, d.clk.Now(), "", ""); err != nil {
		return err
	}

	result, sendErr := d.sendWithRetry(ctx, log, job.Address)
	if sendErr != nil {
		if _, err := d.store.Notifications().Transition(ctx, log.ID, model.NotifFailed, d.clk.Now(), "", sendErr.Error()); err != nil {
			return err
		}
		return d.maybeEscalate(ctx, log)
	}

	_, err = d.store.Notifications().Transition(ctx, log.ID, model.NotifSent, d.clk.Now(), result.ProviderMessageID, "")
	return err
}

// sendWithRetry drives up to three provider attempts with an exponential
// (factor 2) ±20%-jittered backoff starting at 5s, per spec §4.5.3.
func (d *Dispatcher) sendWithRetry(ctx context.Context, log *model.NotificationLog, address string) (providers.SendResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	msg := providers.Message{To: address}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			<-d.clk.After(delay)
		}
		res, err := d.providers.SendOnChannel(ctx, log.Channel, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			break
		}
	}
	return providers.SendResult{}, lastErr
}

// maybeEscalate implements spec §4.5.2: once failureThreshold channel
// sends within the current tier have FAILED, the dispatcher escalates to
// the next tier (primary -> secondary -> tertiary). Tertiary failures are
// terminal; there is nowhere further to escalate to. Escalating twice for
// the same tier is guarded by checking whether the next tier already has
// any logged attempts for this incident.
func (d *Dispatcher) maybeEscalate(ctx context.Context, log *model.NotificationLog) error {
	next, ok := model.NextTier(log.Tier)
	if !ok {
		if d.logger != nil {
			d.logger.ErrorContext(ctx, "tertiary tier exhausted, no further escalation", map[string]interface{}{
				"incident_id": log.IncidentID,
			})
		}
		return nil
	}

	all, err := d.store.Notifications().ByIncident(ctx, log.IncidentID)
	if err != nil {
		return err
	}

	failed := 0
	alreadyEscalated := false
	for _, n := range all {
		if n.Tier == log.Tier && n.Status == model.NotifFailed {
			failed++
		}
		if n.Tier == next {
			alreadyEscalated = true
		}
	}
	if failed < failureThreshold || alreadyEscalated {
		return nil
	}

	return d.Dispatch(ctx, log.IncidentID, log.UserID, next)
}

// Reconcile applies a provider delivery-status webhook (SENT -> DELIVERED
// or SENT -> FAILED) to the matching NotificationLog, identified by the
// provider's message id recorded at SENT time.
func (d *Dispatcher) Reconcile(ctx context.Context, notificationID string, delivered bool, reason string) error {
	to := model.NotifDelivered
	if !delivered {
		to = model.NotifFailed
	}
	ok, err := d.store.Notifications().Transition(ctx, notificationID, to, d.clk.Now(), "", reason)
	if err != nil {
		return err
	}
	if !ok && d.logger != nil {
		d.logger.WarnContext(ctx, "late/duplicate delivery webhook ignored", map[string]interface{}{
			"notification_id": notificationID, "to": string(to),
		})
	}
	return nil
}
