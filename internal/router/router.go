// Package router resolves which team, escalation policy and initial
// assignee an incoming alert belongs to, per spec §4.3's Router contract.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/oncall"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// Decision is the resolved routing target for a new incident.
type Decision struct {
	TeamID             string
	EscalationPolicyID string
	AssignedUserID     string // optional; set only when level 1 resolves to a specific user
	ServiceID          string // optional
}

// Router implements Route.
type Router struct {
	store  store.Store
	oncall *oncall.Resolver
}

func New(st store.Store, resolver *oncall.Resolver) *Router {
	return &Router{store: st, oncall: resolver}
}

// Route implements spec §4.3's priority order: routing_key -> integration
// default service -> team tag -> NoTeam.
func (r *Router) Route(ctx context.Context, alert *model.Alert, integrationDefaultServiceID string) (Decision, error) {
	if key := routingKeyOf(alert); key != "" {
		if svc, err := r.store.Services().GetByRoutingKey(ctx, key); err == nil && svc != nil && svc.Status != model.ServiceArchived {
			return r.routeViaService(ctx, svc)
		}
	}

	if integrationDefaultServiceID != "" {
		if svc, err := r.store.Services().Get(ctx, integrationDefaultServiceID); err == nil && svc != nil && svc.Status != model.ServiceArchived {
			return r.routeViaService(ctx, svc)
		}
	}

	if tag := serviceTagOf(alert); tag != "" {
		if team, err := r.store.Teams().ResolveByTag(ctx, tag); err == nil && team != nil {
			return r.routeViaTeam(ctx, team, "")
		}
	}

	return Decision{}, errs.New("router.Route", errs.ClassNotFound, errs.ErrNotFound)
}

func (r *Router) routeViaService(ctx context.Context, svc *model.Service) (Decision, error) {
	team, err := r.store.Teams().Get(ctx, svc.TeamID)
	if err != nil {
		return Decision{}, err
	}
	policy, err := r.resolvePolicy(ctx, svc, team)
	if err != nil {
		return Decision{}, err
	}
	return r.finalize(ctx, team.ID, svc.ID, policy)
}

func (r *Router) routeViaTeam(ctx context.Context, team *model.Team, serviceID string) (Decision, error) {
	policy, err := r.store.Teams().DefaultPolicy(ctx, team.ID)
	if err != nil {
		return Decision{}, err
	}
	if policy == nil || !policy.Active || len(policy.Levels) == 0 {
		return Decision{}, errs.New("router.routeViaTeam", errs.ClassNotFound,
			errs.ErrNotFound)
	}
	return r.finalize(ctx, team.ID, serviceID, policy)
}

// resolvePolicy prefers the service's own active policy, falling back to
// the team's default active policy, per spec §4.3's routeViaService rule.
func (r *Router) resolvePolicy(ctx context.Context, svc *model.Service, team *model.Team) (*model.EscalationPolicy, error) {
	if svc.EscalationPolicyID != "" {
		if p, err := r.store.Policies().Get(ctx, svc.EscalationPolicyID); err == nil && p != nil && p.Active {
			return p, nil
		}
	}
	p, err := r.store.Teams().DefaultPolicy(ctx, team.ID)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Active || len(p.Levels) == 0 {
		return nil, errs.New("router.resolvePolicy", errs.ClassNotFound, errs.ErrNotFound)
	}
	return p, nil
}

// finalize resolves level 1's target via the On-Call Resolver (when the
// target is schedule/entire_team) or direct user id, and returns the
// routing decision.
func (r *Router) finalize(ctx context.Context, teamID, serviceID string, policy *model.EscalationPolicy) (Decision, error) {
	level1, ok := firstLevel(policy)
	if !ok {
		return Decision{}, errs.New("router.finalize", errs.ClassNotFound, errs.ErrNotFound)
	}

	userID, err := r.resolveTarget(ctx, teamID, level1, time.Now())
	if err != nil {
		// The route itself still succeeds without an initial assignee; the
		// Escalation Engine will re-resolve the target at dispatch time.
		userID = ""
	}

	return Decision{
		TeamID:             teamID,
		EscalationPolicyID: policy.ID,
		AssignedUserID:     userID,
		ServiceID:          serviceID,
	}, nil
}

func firstLevel(policy *model.EscalationPolicy) (model.EscalationLevel, bool) {
	for _, l := range policy.Levels {
		if l.LevelNumber == 1 {
			return l, true
		}
	}
	return model.EscalationLevel{}, false
}

// ResolveTarget resolves one escalation level's target to a concrete
// user, per spec §4.3's target-resolution rules. Exported so the
// Escalation Engine can re-resolve a level at dispatch time (a schedule
// may have rotated since the incident was created).
func (r *Router) ResolveTarget(ctx context.Context, teamID string, level model.EscalationLevel, at time.Time) (string, error) {
	return r.resolveTarget(ctx, teamID, level, at)
}

func (r *Router) resolveTarget(ctx context.Context, teamID string, level model.EscalationLevel, at time.Time) (string, error) {
	switch level.TargetType {
	case model.TargetUser:
		u, err := r.store.Teams().User(ctx, level.TargetID)
		if err != nil {
			return "", err
		}
		if !u.Active {
			return "", errs.New("router.resolveTarget", errs.ClassNotFound, errs.ErrNotFound)
		}
		return u.ID, nil

	case model.TargetSchedule:
		res, err := r.oncall.CurrentOnCall(ctx, level.TargetID, at)
		if err != nil {
			return "", err
		}
		members, err := r.store.Teams().Members(ctx, teamID)
		if err != nil {
			return "", err
		}
		for _, m := range members {
			if m.UserID == res.UserID && m.Eligible() {
				return m.UserID, nil
			}
		}
		return "", errs.New("router.resolveTarget", errs.ClassNotFound, errs.ErrNotFound)

	case model.TargetEntireTeam:
		members, err := r.store.Teams().Members(ctx, teamID)
		if err != nil {
			return "", err
		}
		return earliestJoinedEligible(members)

	default:
		return "", errs.New("router.resolveTarget", errs.ClassValidation, errs.ErrValidation)
	}
}

func earliestJoinedEligible(members []model.TeamMember) (string, error) {
	var best *model.TeamMember
	for i := range members {
		m := &members[i]
		if !m.Eligible() {
			continue
		}
		if best == nil || m.JoinedAt.Before(best.JoinedAt) {
			best = m
		}
	}
	if best == nil {
		return "", errs.New("router.earliestJoinedEligible", errs.ClassNotFound, errs.ErrNotFound)
	}
	return best.UserID, nil
}

func routingKeyOf(alert *model.Alert) string {
	if v, ok := alert.Metadata["routing_key"].(string); ok && v != "" {
		return v
	}
	if v, ok := alert.Metadata["routingKey"].(string); ok && v != "" {
		return v
	}
	return ""
}

func serviceTagOf(alert *model.Alert) string {
	if v, ok := alert.Metadata["service"].(string); ok && v != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := alert.Metadata["service_name"].(string); ok && v != "" {
		return strings.TrimSpace(v)
	}
	return ""
}
