package providers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// httpDoer is satisfied by *http.Client; accepting the interface lets
// tests substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EmailProvider sends mail through an HTTP transactional-email API
// (SendGrid/Mailgun/SES-HTTP style: POST form, 2xx means accepted).
type EmailProvider struct {
	name       string
	endpoint   string
	apiKey     string
	from       string
	client     httpDoer
}

func NewEmailProvider(name, endpoint, apiKey, from string, client httpDoer) *EmailProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailProvider{name: name, endpoint: endpoint, apiKey: apiKey, from: from, client: client}
}

func (p *EmailProvider) Name() string          { return p.name }
func (p *EmailProvider) Channel() model.Channel { return model.ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{
		"from":    {p.from},
		"to":      {msg.To},
		"subject": {msg.Subject},
		"text":    {msg.Body},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, errs.New("providers.EmailProvider.Send", errs.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, errs.New("providers.EmailProvider.Send", errs.ClassTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return SendResult{}, errs.New("providers.EmailProvider.Send", errs.ClassTransient, errs.ErrTimeout)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, errs.New("providers.EmailProvider.Send", errs.ClassPermanent, errs.ErrValidation)
	}
	return SendResult{ProviderMessageID: newProviderID()}, nil
}

// VoiceProvider places an automated call through an HTTP voice-API vendor
// (Twilio Voice style: POST triggers a call, response carries a call SID).
type VoiceProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   httpDoer
}

func NewVoiceProvider(name, endpoint, apiKey string, client httpDoer) *VoiceProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &VoiceProvider{name: name, endpoint: endpoint, apiKey: apiKey, client: client}
}

func (p *VoiceProvider) Name() string          { return p.name }
func (p *VoiceProvider) Channel() model.Channel { return model.ChannelVoice }

func (p *VoiceProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{"to": {msg.To}, "message": {msg.Body}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, errs.New("providers.VoiceProvider.Send", errs.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, errs.New("providers.VoiceProvider.Send", errs.ClassTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return SendResult{}, errs.New("providers.VoiceProvider.Send", errs.ClassTransient, errs.ErrTimeout)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, errs.New("providers.VoiceProvider.Send", errs.ClassPermanent, errs.ErrValidation)
	}
	return SendResult{ProviderMessageID: newProviderID()}, nil
}

// PushProvider sends a mobile push notification through an HTTP push
// gateway (FCM/APNs-proxy style).
type PushProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   httpDoer
}

func NewPushProvider(name, endpoint, apiKey string, client httpDoer) *PushProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PushProvider{name: name, endpoint: endpoint, apiKey: apiKey, client: client}
}

func (p *PushProvider) Name() string          { return p.name }
func (p *PushProvider) Channel() model.Channel { return model.ChannelPush }

func (p *PushProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{"device_token": {msg.To}, "title": {msg.Subject}, "body": {msg.Body}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, errs.New("providers.PushProvider.Send", errs.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, errs.New("providers.PushProvider.Send", errs.ClassTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return SendResult{}, errs.New("providers.PushProvider.Send", errs.ClassTransient, errs.ErrTimeout)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, errs.New("providers.PushProvider.Send", errs.ClassPermanent, errs.ErrValidation)
	}
	return SendResult{ProviderMessageID: newProviderID()}, nil
}

func newProviderID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
