package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// SMSSender is the vendor-specific transport an SMSProvider wraps (Twilio,
// a carrier gateway, ...). Kept minimal and swappable for tests.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (providerMessageID string, err error)
}

// SMSProvider wraps an SMSSender with a sony/gobreaker circuit breaker, so
// a degraded vendor is ejected from the pool automatically instead of
// eating every dispatch's timeout budget, per spec §4.5.1's "providers
// with an open circuit are skipped, not retried".
type SMSProvider struct {
	name    string
	sender  SMSSender
	breaker *gobreaker.CircuitBreaker
}

// NewSMSProvider builds a breaker-guarded SMS provider. maxFailures trips
// the breaker to Open; it half-opens after openFor to test recovery with a
// single probe request, matching gobreaker's generation-counter model.
func NewSMSProvider(name string, sender SMSSender, maxFailures uint32, openFor time.Duration) *SMSProvider {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &SMSProvider{name: name, sender: sender, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (p *SMSProvider) Name() string          { return p.name }
func (p *SMSProvider) Channel() model.Channel { return model.ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		id, sendErr := p.sender.SendSMS(ctx, msg.To, msg.Body)
		if sendErr != nil {
			return nil, sendErr
		}
		return id, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return SendResult{}, errs.New("providers.SMSProvider.Send", errs.ClassTransient,
				fmt.Errorf("%w: %s", errs.ErrCircuitOpen, p.name))
		}
		return SendResult{}, errs.New("providers.SMSProvider.Send", errs.ClassTransient, err)
	}
	return SendResult{ProviderMessageID: res.(string)}, nil
}

// State exposes the breaker's current state for health/metrics surfacing.
func (p *SMSProvider) State() gobreaker.State { return p.breaker.State() }
