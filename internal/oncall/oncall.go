// Package oncall resolves who is on call for a schedule at a point in
// time, per spec §4.3's On-Call Resolver contract: overrides win outright,
// then layers by descending priority; the base schedule's own rotation is
// used only when the schedule has no layers. Recurrence rules are evaluated as cron expressions — no RRULE
// library is attested anywhere in the example corpus, and robfig/cron/v3
// is the closest real scheduling-recurrence library the pack actually
// uses (see DESIGN.md's Open Question decision) — resolved in the
// schedule/layer's declared IANA timezone so DST transitions fall out of
// Go's own timezone-aware time.Time arithmetic rather than custom code.
package oncall

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// Source records which part of a schedule answered the query, per spec
// §4.3 ("return immediately, source=override" etc).
type Source string

const (
	SourceOverride Source = "override"
	SourceLayer    Source = "layer"
	SourceBase     Source = "base"
)

// Result is the resolved on-call user plus the decision's provenance.
type Result struct {
	UserID    string
	Source    Source
	ShiftEnd  time.Time
}

// maxOccurrences bounds the enumeration loop that walks a recurrence rule
// forward from its start date; a schedule whose cron period combined with
// its age would exceed this is almost certainly a misconfiguration, not a
// legitimate long-running rotation.
const maxOccurrences = 100_000

// Resolver implements CurrentOnCall.
type Resolver struct {
	store store.Store
}

func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// CurrentOnCall resolves the on-call user for a schedule at instant at.
func (r *Resolver) CurrentOnCall(ctx context.Context, scheduleID string, at time.Time) (*Result, error) {
	sched, err := r.store.Schedules().Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return resolveSchedule(sched, at)
}

// CurrentOnCallForTeam resolves via a team's schedule.
func (r *Resolver) CurrentOnCallForTeam(ctx context.Context, teamID string, at time.Time) (*Result, error) {
	sched, err := r.store.Schedules().GetForTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return resolveSchedule(sched, at)
}

func resolveSchedule(sched *model.Schedule, at time.Time) (*Result, error) {
	if sched == nil || !sched.IsActive {
		return nil, errs.NotFound("oncall.resolveSchedule", "")
	}

	for _, ov := range sched.Overrides {
		if ov.Contains(at) {
			return &Result{UserID: ov.UserID, Source: SourceOverride, ShiftEnd: ov.End}, nil
		}
	}

	layers := sortedByPriorityDesc(sched.Layers)
	for _, layer := range layers {
		loc, err := time.LoadLocation(layer.Timezone)
		if err != nil {
			return nil, errs.New("oncall.resolveSchedule", errs.ClassInternal, err)
		}
		if !layer.Restrictions.Applies(at, loc) {
			continue
		}
		userID, shiftEnd, ok, err := currentShift(layer.RecurrenceRule, layer.StartDate, layer.RotationUserIDs, at, loc)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{UserID: userID, Source: SourceLayer, ShiftEnd: shiftEnd}, nil
		}
	}

	if len(sched.Layers) == 0 {
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return nil, errs.New("oncall.resolveSchedule", errs.ClassInternal, err)
		}
		userID, shiftEnd, ok, err := currentShift(sched.RecurrenceRule, sched.StartDate, sched.RotationUserIDs, at, loc)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{UserID: userID, Source: SourceBase, ShiftEnd: shiftEnd}, nil
		}
	}

	return nil, errs.NotFound("oncall.resolveSchedule", sched.ID)
}

func sortedByPriorityDesc(layers []model.ScheduleLayer) []model.ScheduleLayer {
	out := append([]model.ScheduleLayer(nil), layers...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// currentShift enumerates occurrences of rule between start and at (both
// interpreted in loc), and returns the rotation user whose turn the last
// such occurrence represents, per spec §4.3's shiftIndex formula.
func currentShift(rule string, start time.Time, rotation []string, at time.Time, loc *time.Location) (userID string, shiftEnd time.Time, ok bool, err error) {
	if len(rotation) == 0 {
		return "", time.Time{}, false, nil
	}
	schedule, parseErr := cron.ParseStandard(rule)
	if parseErr != nil {
		return "", time.Time{}, false, errs.New("oncall.currentShift", errs.ClassValidation, parseErr)
	}

	startLocal := start.In(loc)
	atLocal := at.In(loc)
	if atLocal.Before(startLocal) {
		return "", time.Time{}, false, nil
	}

	var occurrences []time.Time
	cursor := startLocal
	for i := 0; i < maxOccurrences; i++ {
		next := schedule.Next(cursor)
		if next.After(atLocal) {
			break
		}
		occurrences = append(occurrences, next)
		cursor = next
	}
	// the start date itself counts as occurrence zero
	occurrences = append([]time.Time{startLocal}, occurrences...)

	shiftIndex := len(occurrences) - 1
	shiftStart := occurrences[shiftIndex]
	nextOcc := schedule.Next(shiftStart)

	user := rotation[shiftIndex%len(rotation)]
	return user, nextOcc, true, nil
}
