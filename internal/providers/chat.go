package providers

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// SlackProvider posts a chat notification to an incoming webhook URL. One
// SlackProvider per integration/workspace; the Registry's chat pool
// usually has exactly one entry since chat tier fan-out is per team's
// configured workspace, not multi-vendor failover.
type SlackProvider struct {
	name       string
	webhookURL string
}

func NewSlackProvider(name, webhookURL string) *SlackProvider {
	return &SlackProvider{name: name, webhookURL: webhookURL}
}

func (p *SlackProvider) Name() string          { return p.name }
func (p *SlackProvider) Channel() model.Channel { return model.ChannelChat }

func (p *SlackProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := &slack.WebhookMessage{
		Text: msg.Subject + "\n" + msg.Body,
	}
	if err := slack.PostWebhookContext(ctx, p.webhookURL, payload); err != nil {
		return SendResult{}, errs.New("providers.SlackProvider.Send", errs.ClassTransient, err)
	}
	// Incoming webhooks don't return a message ID; the delivery is
	// correlated by (incident, channel, sent_at) instead.
	return SendResult{ProviderMessageID: ""}, nil
}
