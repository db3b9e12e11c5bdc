package oncall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/store"
)

func mustUTC(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCurrentOnCall_OverrideWins(t *testing.T) {
	mem := store.NewMemory()
	mem.PutSchedule(&model.Schedule{
		ID: "sched-1", TeamID: "team-1", Timezone: "UTC", IsActive: true,
		StartDate: mustUTC("2024-01-01T00:00:00Z"),
		RecurrenceRule: "0 0 * * 1", // weekly Monday
		RotationUserIDs: []string{"alice", "bob"},
		Overrides: []model.ScheduleOverride{
			{ID: "ov1", ScheduleID: "sched-1", UserID: "carol",
				Start: mustUTC("2024-01-10T00:00:00Z"), End: mustUTC("2024-01-11T00:00:00Z")},
		},
	})

	r := New(mem)
	res, err := r.CurrentOnCall(context.Background(), "sched-1", mustUTC("2024-01-10T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, "carol", res.UserID)
	assert.Equal(t, SourceOverride, res.Source)
}

func TestCurrentOnCall_LayerPriorityOverBase(t *testing.T) {
	mem := store.NewMemory()
	mem.PutSchedule(&model.Schedule{
		ID: "sched-2", TeamID: "team-1", Timezone: "UTC", IsActive: true,
		StartDate:       mustUTC("2024-01-01T00:00:00Z"),
		RecurrenceRule:  "0 0 * * 1",
		RotationUserIDs: []string{"base-a"},
		Layers: []model.ScheduleLayer{
			{ID: "l1", Priority: 1, Timezone: "UTC", RecurrenceRule: "0 0 * * *",
				StartDate: mustUTC("2024-01-01T00:00:00Z"), RotationUserIDs: []string{"layer-a", "layer-b"}},
		},
	})

	r := New(mem)
	res, err := r.CurrentOnCall(context.Background(), "sched-2", mustUTC("2024-01-03T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, SourceLayer, res.Source)
	assert.Contains(t, []string{"layer-a", "layer-b"}, res.UserID)
}

func TestCurrentOnCall_RestrictionSkipsLayerWithNoBaseFallback(t *testing.T) {
	mem := store.NewMemory()
	mem.PutSchedule(&model.Schedule{
		ID: "sched-3", TeamID: "team-1", Timezone: "UTC", IsActive: true,
		StartDate:       mustUTC("2024-01-01T00:00:00Z"),
		RecurrenceRule:  "0 0 * * *",
		RotationUserIDs: []string{"weekday-oncall"},
		Layers: []model.ScheduleLayer{
			{ID: "l1", Priority: 1, Timezone: "UTC", RecurrenceRule: "0 0 * * *",
				StartDate: mustUTC("2024-01-01T00:00:00Z"), RotationUserIDs: []string{"weekend-oncall"},
				Restrictions: model.Restrictions{DaysOfWeek: []time.Weekday{time.Saturday, time.Sunday}}},
		},
	})

	r := New(mem)
	// 2024-01-03 is a Wednesday: the weekend-only layer is skipped by its
	// restriction. The base schedule is only consulted when a schedule
	// has no layers at all, so a schedule that HAS layers but none
	// applicable resolves to NotFound rather than falling through.
	_, err := r.CurrentOnCall(context.Background(), "sched-3", mustUTC("2024-01-03T12:00:00Z"))
	require.Error(t, err)
}

func TestCurrentOnCall_UnknownSchedule(t *testing.T) {
	mem := store.NewMemory()
	r := New(mem)
	_, err := r.CurrentOnCall(context.Background(), "missing", time.Now())
	require.Error(t, err)
}
