package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/oncall"
	"github.com/thanigaiv/oncallforge/internal/store"
)

func fixtureStore() *store.Memory {
	mem := store.NewMemory()
	mem.PutTeam(&model.Team{ID: "team-1", Name: "Core"})
	mem.PutUser(&model.User{ID: "alice", Active: true})
	mem.PutMember(model.TeamMember{TeamID: "team-1", UserID: "alice", Role: model.RoleResponder, Active: true, JoinedAt: time.Now()})
	mem.PutPolicy(&model.EscalationPolicy{
		ID: "policy-1", TeamID: "team-1", Active: true, RepeatCount: 1,
		Levels: []model.EscalationLevel{{LevelNumber: 1, TargetType: model.TargetUser, TargetID: "alice", TimeoutMinutes: 15}},
	})
	mem.PutDefaultPolicy("team-1", "policy-1")
	mem.PutService(&model.Service{ID: "svc-1", Name: "checkout", RoutingKey: "checkout-key", TeamID: "team-1", Status: model.ServiceActive})
	mem.PutTagTeam("checkout", "team-1")
	return mem
}

func TestRoute_ViaRoutingKey(t *testing.T) {
	mem := fixtureStore()
	r := New(mem, oncall.New(mem))

	alert := &model.Alert{Metadata: map[string]interface{}{"routing_key": "checkout-key"}}
	d, err := r.Route(context.Background(), alert, "")
	require.NoError(t, err)
	assert.Equal(t, "team-1", d.TeamID)
	assert.Equal(t, "policy-1", d.EscalationPolicyID)
	assert.Equal(t, "svc-1", d.ServiceID)
	assert.Equal(t, "alice", d.AssignedUserID)
}

func TestRoute_ViaTeamTagFallback(t *testing.T) {
	mem := fixtureStore()
	r := New(mem, oncall.New(mem))

	alert := &model.Alert{Metadata: map[string]interface{}{"service": "checkout"}}
	d, err := r.Route(context.Background(), alert, "")
	require.NoError(t, err)
	assert.Equal(t, "team-1", d.TeamID)
}

func TestRoute_NoTeamFound(t *testing.T) {
	mem := store.NewMemory()
	r := New(mem, oncall.New(mem))

	alert := &model.Alert{Metadata: map[string]interface{}{}}
	_, err := r.Route(context.Background(), alert, "")
	require.Error(t, err)
}

func TestRoute_ArchivedServiceSkipped(t *testing.T) {
	mem := fixtureStore()
	mem.PutService(&model.Service{ID: "svc-1", Name: "checkout", RoutingKey: "checkout-key", TeamID: "team-1", Status: model.ServiceArchived})
	r := New(mem, oncall.New(mem))

	// Falls through to team-tag routing since the service is archived.
	alert := &model.Alert{Metadata: map[string]interface{}{"routing_key": "checkout-key", "service": "checkout"}}
	d, err := r.Route(context.Background(), alert, "")
	require.NoError(t, err)
	assert.Equal(t, "team-1", d.TeamID)
}
