package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/oncall"
	"github.com/thanigaiv/oncallforge/internal/router"
	"github.com/thanigaiv/oncallforge/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	created []string
}

func (s *recordingSink) IncidentCreated(_ context.Context, incidentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, incidentID)
}

func fixture(t *testing.T) (*Deduplicator, *store.Memory, *recordingSink) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutTeam(&model.Team{ID: "team-1"})
	mem.PutUser(&model.User{ID: "alice", Active: true})
	mem.PutMember(model.TeamMember{TeamID: "team-1", UserID: "alice", Role: model.RoleResponder, Active: true, JoinedAt: time.Now()})
	mem.PutPolicy(&model.EscalationPolicy{
		ID: "policy-1", TeamID: "team-1", Active: true, RepeatCount: 1,
		Levels: []model.EscalationLevel{{LevelNumber: 1, TargetType: model.TargetUser, TargetID: "alice", TimeoutMinutes: 15}},
	})
	mem.PutDefaultPolicy("team-1", "policy-1")
	mem.PutTagTeam("checkout", "team-1")

	rtr := router.New(mem, oncall.New(mem))
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())
	d := New(mem, rtr, clk, logging.NoOp(), sink)
	return d, mem, sink
}

func newAlert(id, fingerprint string) *model.Alert {
	return &model.Alert{
		ID: id, Fingerprint: fingerprint, Severity: model.SeverityHigh, Status: model.AlertOpen,
		Metadata: map[string]interface{}{"service": "checkout"},
	}
}

func TestDeduplicate_CreatesNewIncident(t *testing.T) {
	d, mem, sink := fixture(t)
	require.NoError(t, mem.Alerts().Create(context.Background(), newAlert("alert-1", "fp-1")))

	incidentID, dup, err := d.Deduplicate(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEmpty(t, incidentID)

	inc, err := mem.Incidents().Get(context.Background(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, 1, inc.AlertCount)
	assert.Equal(t, model.IncidentOpen, inc.Status)
	assert.Equal(t, []string{incidentID}, sink.created)
}

func TestDeduplicate_MergesIntoExistingIncident(t *testing.T) {
	d, mem, sink := fixture(t)
	require.NoError(t, mem.Alerts().Create(context.Background(), newAlert("alert-1", "fp-1")))
	first, dup, err := d.Deduplicate(context.Background(), "alert-1")
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, mem.Alerts().Create(context.Background(), newAlert("alert-2", "fp-1")))
	second, dup, err := d.Deduplicate(context.Background(), "alert-2")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, second)

	inc, err := mem.Incidents().Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 2, inc.AlertCount)
	// the sink only fires for the newly created incident, not the merge
	assert.Len(t, sink.created, 1)
}

func TestDeduplicate_DifferentFingerprintsCreateSeparateIncidents(t *testing.T) {
	d, mem, _ := fixture(t)
	require.NoError(t, mem.Alerts().Create(context.Background(), newAlert("alert-1", "fp-1")))
	require.NoError(t, mem.Alerts().Create(context.Background(), newAlert("alert-2", "fp-2")))

	first, _, err := d.Deduplicate(context.Background(), "alert-1")
	require.NoError(t, err)
	second, _, err := d.Deduplicate(context.Background(), "alert-2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDeduplicate_UnroutableAlertFails(t *testing.T) {
	d, mem, _ := fixture(t)
	alert := &model.Alert{ID: "alert-x", Fingerprint: "fp-x", Severity: model.SeverityLow, Status: model.AlertOpen}
	require.NoError(t, mem.Alerts().Create(context.Background(), alert))

	_, _, err := d.Deduplicate(context.Background(), "alert-x")
	require.Error(t, err)
}
