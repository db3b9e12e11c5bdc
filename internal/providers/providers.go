// Package providers implements the notification channel abstraction
// (email/sms/voice/chat/push) and the per-channel provider pools with
// failover, grounded on the teacher's resilience package (circuit breaker
// shape) generalized here to per-provider breakers, per spec §4.5.1.
package providers

import (
	"context"
	"fmt"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// Message is the channel-agnostic payload a Provider sends; channel
// adapters map it onto their wire format (SMS body, email MIME parts,
// Slack blocks, ...).
type Message struct {
	To       string // destination identifier for the channel (phone/email/user/slack id)
	Subject  string
	Body     string
	Metadata map[string]string
}

// SendResult carries the provider-assigned identifier used to correlate
// delivery webhooks back to a NotificationLog row.
type SendResult struct {
	ProviderMessageID string
}

// Provider sends a Message over one underlying vendor integration for one
// Channel. Multiple Providers can back the same Channel (the SMS tier
// pool, per spec §4.5.1); the Registry is what chooses among them.
type Provider interface {
	Name() string
	Channel() model.Channel
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Registry resolves a tier's channels to an ordered list of providers and
// fans a message out across them with failover, per spec §4.5 ("dispatch
// every channel in the tier; a channel with multiple providers fails over
// to the next provider on error, it does not fail the whole tier").
type Registry struct {
	logger  logging.Logger
	byChan  map[model.Channel][]Provider
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{logger: logger, byChan: make(map[model.Channel][]Provider)}
}

// Register adds provider to its channel's pool, in priority order (first
// registered is tried first).
func (r *Registry) Register(p Provider) {
	r.byChan[p.Channel()] = append(r.byChan[p.Channel()], p)
}

// ProvidersFor returns the registered pool for a channel, in priority order.
func (r *Registry) ProvidersFor(c model.Channel) []Provider {
	return append([]Provider(nil), r.byChan[c]...)
}

// SendOnChannel tries each provider registered for c in order, returning
// the first success. If every provider fails, it returns
// errs.ErrAllProviders classified ClassTransient (the tier as a whole can
// still escalate per spec §4.5.2) wrapping the last provider's error.
func (r *Registry) SendOnChannel(ctx context.Context, c model.Channel, msg Message) (SendResult, error) {
	providers := r.byChan[c]
	if len(providers) == 0 {
		return SendResult{}, errs.New("providers.SendOnChannel", errs.ClassPermanent,
			fmt.Errorf("no providers registered for channel %s", c))
	}

	var lastErr error
	for _, p := range providers {
		res, err := p.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if r.logger != nil {
			r.logger.WarnContext(ctx, "provider send failed, trying next", map[string]interface{}{
				"channel": string(c), "provider": p.Name(), "error": err.Error(),
			})
		}
	}
	return SendResult{}, errs.New("providers.SendOnChannel", errs.ClassTransient, fmt.Errorf("%w: %v", errs.ErrAllProviders, lastErr))
}
