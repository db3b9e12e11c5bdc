package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
)

type fakeProvider struct {
	name    string
	channel model.Channel
	fail    bool
	sent    []Message
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Channel() model.Channel { return f.channel }
func (f *fakeProvider) Send(_ context.Context, msg Message) (SendResult, error) {
	if f.fail {
		return SendResult{}, errors.New("vendor unreachable")
	}
	f.sent = append(f.sent, msg)
	return SendResult{ProviderMessageID: "id-" + f.name}, nil
}

func TestRegistry_FailsOverToNextProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", channel: model.ChannelSMS, fail: true}
	backup := &fakeProvider{name: "backup", channel: model.ChannelSMS}

	reg := NewRegistry(logging.NoOp())
	reg.Register(primary)
	reg.Register(backup)

	res, err := reg.SendOnChannel(context.Background(), model.ChannelSMS, Message{To: "+15555550100", Body: "page"})
	require.NoError(t, err)
	assert.Equal(t, "id-backup", res.ProviderMessageID)
	assert.Len(t, backup.sent, 1)
}

func TestRegistry_AllProvidersFail(t *testing.T) {
	p1 := &fakeProvider{name: "p1", channel: model.ChannelEmail, fail: true}
	p2 := &fakeProvider{name: "p2", channel: model.ChannelEmail, fail: true}

	reg := NewRegistry(logging.NoOp())
	reg.Register(p1)
	reg.Register(p2)

	_, err := reg.SendOnChannel(context.Background(), model.ChannelEmail, Message{To: "a@b.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAllProviders)
}

func TestRegistry_NoProvidersRegistered(t *testing.T) {
	reg := NewRegistry(logging.NoOp())
	_, err := reg.SendOnChannel(context.Background(), model.ChannelVoice, Message{})
	require.Error(t, err)
}

type fakeSMSSender struct {
	fail bool
}

func (s *fakeSMSSender) SendSMS(_ context.Context, to, body string) (string, error) {
	if s.fail {
		return "", errors.New("carrier timeout")
	}
	return "sms-1", nil
}

func TestSMSProvider_TripsBreakerAfterConsecutiveFailures(t *testing.T) {
	sender := &fakeSMSSender{fail: true}
	p := NewSMSProvider("twilio", sender, 2, 50*time.Millisecond)

	_, err := p.Send(context.Background(), Message{To: "+1"})
	require.Error(t, err)
	_, err = p.Send(context.Background(), Message{To: "+1"})
	require.Error(t, err)

	// Breaker should now be open; a third call fails fast without
	// reaching the sender.
	_, err = p.Send(context.Background(), Message{To: "+1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)

	sender.fail = false
	time.Sleep(60 * time.Millisecond)

	res, err := p.Send(context.Background(), Message{To: "+1"})
	require.NoError(t, err, "after the sleep window the breaker should half-open and let a probe through")
	assert.Equal(t, "sms-1", res.ProviderMessageID)
}
