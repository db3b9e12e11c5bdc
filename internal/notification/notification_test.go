package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/providers"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

type fakeProvider struct {
	channel model.Channel
	fail    bool
	sent    []providers.Message
}

func (f *fakeProvider) Name() string          { return "fake-" + string(f.channel) }
func (f *fakeProvider) Channel() model.Channel { return f.channel }
func (f *fakeProvider) Send(_ context.Context, msg providers.Message) (providers.SendResult, error) {
	if f.fail {
		return providers.SendResult{}, errors.New("vendor unreachable")
	}
	f.sent = append(f.sent, msg)
	return providers.SendResult{ProviderMessageID: "pm-1"}, nil
}

func fixture(t *testing.T) (*Dispatcher, *store.Memory, *clock.Fake, map[model.Channel]*fakeProvider) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(&model.User{
		ID: "alice", Active: true,
		ContactMethods: []model.ContactMethod{
			{ID: "c1", Channel: model.ChannelEmail, Address: "alice@example.com", Verified: true},
			{ID: "c2", Channel: model.ChannelChat, Address: "U123", Verified: true},
			{ID: "c3", Channel: model.ChannelSMS, Address: "+15555550100", Verified: true},
			{ID: "c4", Channel: model.ChannelPush, Address: "device-1", Verified: false}, // unverified, must be skipped
		},
	})
	require.NoError(t, mem.Incidents().Create(context.Background(), &model.Incident{
		ID: "inc-1", Status: model.IncidentOpen, CurrentLevel: 1, CurrentRepeat: 1,
	}))

	fakes := map[model.Channel]*fakeProvider{
		model.ChannelEmail: {channel: model.ChannelEmail},
		model.ChannelChat:  {channel: model.ChannelChat},
		model.ChannelSMS:   {channel: model.ChannelSMS},
		model.ChannelPush:  {channel: model.ChannelPush},
	}
	reg := providers.NewRegistry(logging.NoOp())
	for _, p := range fakes {
		reg.Register(p)
	}

	clk := clock.NewFake(time.Now())
	q := queue.NewMemory(clk, logging.NoOp())
	d := New(mem, reg, q, clk, logging.NoOp())
	return d, mem, clk, fakes
}

func TestDispatch_QueuesLogsForVerifiedChannelsOnly(t *testing.T) {
	d, mem, _, _ := fixture(t)

	require.NoError(t, d.Dispatch(context.Background(), "inc-1", "alice", model.TierPrimary))

	logs, err := mem.Notifications().ByIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	// primary tier is email/chat/push; push is unverified, so only email+chat queue.
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, model.NotifQueued, l.Status)
		assert.Equal(t, model.TierPrimary, l.Tier)
		assert.Equal(t, 1, l.EscalationLevel)
	}
}

func TestHandleSend_SuccessTransitionsToSent(t *testing.T) {
	d, mem, _, fakes := fixture(t)
	require.NoError(t, d.Dispatch(context.Background(), "inc-1", "alice", model.TierPrimary))

	logs, err := mem.Notifications().ByIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	target := logs[0]

	payload, err := json.Marshal(sendJob{NotificationID: target.ID, Address: "alice@example.com"})
	require.NoError(t, err)
	require.NoError(t, d.HandleSend(context.Background(), payload))

	updated, err := mem.Notifications().Get(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifSent, updated.Status)
	assert.NotNil(t, updated.SentAt)
	assert.Len(t, fakes[target.Channel].sent, 1)
}

func TestHandleSend_FailureEscalatesAfterThreshold(t *testing.T) {
	d, mem, clk, fakes := fixture(t)
	fakes[model.ChannelEmail].fail = true
	fakes[model.ChannelChat].fail = true

	require.NoError(t, d.Dispatch(context.Background(), "inc-1", "alice", model.TierPrimary))
	logs, err := mem.Notifications().ByIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	for _, l := range logs {
		payload, err := json.Marshal(sendJob{NotificationID: l.ID, Address: "x"})
		require.NoError(t, err)
		runHandleSendAdvancingClock(t, d, clk, payload)
	}

	all, err := mem.Notifications().ByIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	// two original (failed) + the escalated secondary tier's sms log
	require.Len(t, all, 3)

	var secondary *model.NotificationLog
	for i := range all {
		if all[i].Tier == model.TierSecondary {
			secondary = &all[i]
		}
	}
	require.NotNil(t, secondary, "expected escalation to queue a secondary-tier notification")
	assert.Equal(t, model.ChannelSMS, secondary.Channel)
	assert.Equal(t, model.NotifQueued, secondary.Status)
}

// runHandleSendAdvancingClock runs HandleSend (which sleeps on d.clk.After
// between retry attempts) concurrently with enough clock advances to let
// all three retry attempts elapse against the fake clock.
func runHandleSendAdvancingClock(t *testing.T, d *Dispatcher, clk *clock.Fake, payload []byte) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.HandleSend(context.Background(), payload) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-time.After(20 * time.Millisecond):
			clk.Advance(20 * time.Second)
		}
	}

	require.NoError(t, <-done)
}

func TestReconcile_MarksDelivered(t *testing.T) {
	d, mem, _, _ := fixture(t)
	require.NoError(t, d.Dispatch(context.Background(), "inc-1", "alice", model.TierPrimary))
	logs, err := mem.Notifications().ByIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	target := logs[0]

	payload, err := json.Marshal(sendJob{NotificationID: target.ID, Address: "alice@example.com"})
	require.NoError(t, err)
	require.NoError(t, d.HandleSend(context.Background(), payload))

	require.NoError(t, d.Reconcile(context.Background(), target.ID, true, ""))

	updated, err := mem.Notifications().Get(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifDelivered, updated.Status)
}
