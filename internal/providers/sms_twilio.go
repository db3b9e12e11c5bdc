package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
)

// TwilioSMSSender implements SMSSender against Twilio's Messages REST API,
// the same minimal HTTP-vendor-adapter shape as EmailProvider/VoiceProvider/
// PushProvider (the corpus has no Twilio SDK, so this follows the
// established form-POST + basic-auth convention rather than reaching for an
// unattested client library).
type TwilioSMSSender struct {
	accountSID string
	authToken  string
	from       string
	client     httpDoer
}

func NewTwilioSMSSender(accountSID, authToken, from string, client httpDoer) *TwilioSMSSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioSMSSender{accountSID: accountSID, authToken: authToken, from: from, client: client}
}

func (t *TwilioSMSSender) SendSMS(ctx context.Context, to, body string) (string, error) {
	endpoint := "https://api.twilio.com/2010-04-01/Accounts/" + t.accountSID + "/Messages.json"
	form := url.Values{"To": {to}, "From": {t.from}, "Body": {body}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errs.New("providers.TwilioSMSSender.SendSMS", errs.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", errs.New("providers.TwilioSMSSender.SendSMS", errs.ClassTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", errs.New("providers.TwilioSMSSender.SendSMS", errs.ClassTransient, errs.ErrTimeout)
	}
	if resp.StatusCode >= 400 {
		return "", errs.New("providers.TwilioSMSSender.SendSMS", errs.ClassPermanent, errs.ErrValidation)
	}

	var payload struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errs.New("providers.TwilioSMSSender.SendSMS", errs.ClassInternal, err)
	}
	return payload.SID, nil
}
