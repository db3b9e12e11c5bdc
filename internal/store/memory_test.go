package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

func TestMemory_IncidentCompareAndSetStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	inc := &model.Incident{ID: "inc-1", Status: model.IncidentOpen}
	require.NoError(t, m.Incidents().Create(ctx, inc))

	now := time.Now()
	won, err := m.Incidents().CompareAndSetStatus(ctx, "inc-1", model.IncidentOpen, model.IncidentAcknowledged, now)
	require.NoError(t, err)
	assert.True(t, won)

	lost, err := m.Incidents().CompareAndSetStatus(ctx, "inc-1", model.IncidentOpen, model.IncidentAcknowledged, now)
	require.NoError(t, err)
	assert.False(t, lost, "a second CAS from the already-consumed prior state must not win")

	got, err := m.Incidents().Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAcknowledged, got.Status)
	require.NotNil(t, got.AcknowledgedAt)
}

func TestMemory_FindOpenByFingerprintPicksNewestCandidate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	older := &model.Incident{ID: "inc-old", Fingerprint: "fp-1", Status: model.IncidentOpen, CreatedAt: since.Add(time.Minute)}
	newer := &model.Incident{ID: "inc-new", Fingerprint: "fp-1", Status: model.IncidentAcknowledged, CreatedAt: since.Add(10 * time.Minute)}
	require.NoError(t, m.Incidents().Create(ctx, older))
	require.NoError(t, m.Incidents().Create(ctx, newer))

	resolved := &model.Incident{ID: "inc-closed", Fingerprint: "fp-1", Status: model.IncidentResolved, CreatedAt: since.Add(20 * time.Minute)}
	require.NoError(t, m.Incidents().Create(ctx, resolved))

	got, err := m.Incidents().FindOpenByFingerprint(ctx, "fp-1", since)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inc-new", got.ID, "must pick the newest open/acknowledged candidate, skipping the resolved one")
}

func TestMemory_FindOpenByFingerprintHonorsSinceWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	since := time.Now()

	stale := &model.Incident{ID: "inc-stale", Fingerprint: "fp-2", Status: model.IncidentOpen, CreatedAt: since.Add(-time.Hour)}
	require.NoError(t, m.Incidents().Create(ctx, stale))

	got, err := m.Incidents().FindOpenByFingerprint(ctx, "fp-2", since)
	require.NoError(t, err)
	assert.Nil(t, got, "an incident created before the dedup window start must not match")
}

func TestMemory_WorkflowsCreateRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wf := &model.Workflow{ID: "wf-1", Name: "first"}
	require.NoError(t, m.Workflows().Create(ctx, wf))

	err := m.Workflows().Create(ctx, &model.Workflow{ID: "wf-1", Name: "second"})
	require.Error(t, err)
	assert.Equal(t, errs.ClassConflict, errs.ClassOf(err))
}

func TestMemory_WorkflowsPutVersionRequiresSequentialVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Workflows().PutVersion(ctx, &model.WorkflowVersion{WorkflowID: "wf-1", Version: 1}))

	err := m.Workflows().PutVersion(ctx, &model.WorkflowVersion{WorkflowID: "wf-1", Version: 3})
	require.Error(t, err)
	assert.Equal(t, errs.ClassConflict, errs.ClassOf(err))

	require.NoError(t, m.Workflows().PutVersion(ctx, &model.WorkflowVersion{WorkflowID: "wf-1", Version: 2}))
	versions, err := m.Workflows().Versions(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestMemory_NotificationTransitionRejectsIllegalMove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	log := &model.NotificationLog{ID: "n-1", Status: model.NotifQueued}
	require.NoError(t, m.Notifications().Create(ctx, log))

	won, err := m.Notifications().Transition(ctx, "n-1", model.NotifSent, time.Now(), "provider-1", "")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.Notifications().Transition(ctx, "n-1", model.NotifSending, time.Now(), "", "")
	require.NoError(t, err)
	assert.False(t, won, "a late SENDING event arriving after SENT must not move the status backward")

	won, err = m.Notifications().Transition(ctx, "n-1", model.NotifDelivered, time.Now(), "", "")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.Notifications().Transition(ctx, "n-1", model.NotifFailed, time.Now(), "", "late failure")
	require.NoError(t, err)
	assert.False(t, won, "DELIVERED is terminal, no further transition is legal")
}

func TestMemory_IntegrationsIdempotencyKeyRoundtrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, seen, err := m.Integrations().SeenIdempotencyKey(ctx, "integ-1", "key-a", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Integrations().RecordIdempotencyKey(ctx, "integ-1", "key-a", "alert-1"))

	alertID, seen, err := m.Integrations().SeenIdempotencyKey(ctx, "integ-1", "key-a", 24*time.Hour)
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, "alert-1", alertID)
}

func TestMemory_WithFingerprintTxSerializesSameFingerprint(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.WithFingerprintTx(ctx, "fp-race", func(ctx context.Context, tx Tx) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	select {
	case <-done:
		t.Fatal("first fingerprint transaction finished before release")
	case <-time.After(20 * time.Millisecond):
	}

	second := make(chan struct{})
	go func() {
		_ = m.WithFingerprintTx(ctx, "fp-race", func(ctx context.Context, tx Tx) error { return nil })
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second transaction on the same fingerprint must block until the first releases")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	<-second
}
