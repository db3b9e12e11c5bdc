// Package escalation implements the per-incident escalation finite state
// machine of spec §4.4: AWAITING_ACK(level, repeat) -> ACKNOWLEDGED /
// RESOLVED / EXHAUSTED, driven entirely by delayed queue timeout jobs
// rather than in-process timers, per spec §9's re-architecture note.
package escalation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// Dispatcher is the subset of internal/notification the engine depends
// on, kept as a local interface to avoid a package cycle (notification
// itself doesn't need to know about escalation).
type Dispatcher interface {
	Dispatch(ctx context.Context, incidentID, userID string, tier model.NotifTier) error
}

// TargetResolver is the subset of internal/router the engine needs to
// re-resolve a level's target at dispatch time (a schedule may have
// rotated since the incident was created).
type TargetResolver interface {
	ResolveTarget(ctx context.Context, teamID string, level model.EscalationLevel, at time.Time) (string, error)
}

// EventSink receives best-effort lifecycle notifications for the
// Workflow Engine (incident.acknowledged, incident.resolved,
// incident.escalationExhausted), mirroring internal/dedup's
// LifecycleSink shape.
type EventSink interface {
	Emit(ctx context.Context, eventType, incidentID string)
}

// timeoutJob is the payload enqueued for a level/repeat's escalation
// deadline.
type timeoutJob struct {
	IncidentID string `json:"incident_id"`
	Level      int    `json:"level"`
	Repeat     int    `json:"repeat"`
}

// Engine implements the escalation FSM.
type Engine struct {
	store    store.Store
	dispatch Dispatcher
	resolver TargetResolver
	q        queue.Queue
	clk      clock.Clock
	logger   logging.Logger
	sinks    []EventSink
}

func New(st store.Store, dispatch Dispatcher, resolver TargetResolver, q queue.Queue, clk clock.Clock, logger logging.Logger, sinks ...EventSink) *Engine {
	return &Engine{store: st, dispatch: dispatch, resolver: resolver, q: q, clk: clk, logger: logger, sinks: sinks}
}

// IncidentCreated implements internal/dedup.LifecycleSink, starting the
// FSM at AWAITING_ACK(1,1).
func (e *Engine) IncidentCreated(ctx context.Context, incidentID string) {
	if err := e.startLevel(ctx, incidentID, 1, 1); err != nil && e.logger != nil {
		e.logger.ErrorContext(ctx, "failed to start escalation", map[string]interface{}{
			"incident_id": incidentID, "error": err.Error(),
		})
	}
}

func (e *Engine) startLevel(ctx context.Context, incidentID string, level, repeat int) error {
	inc, err := e.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc.Status != model.IncidentOpen {
		return nil // FSM only authoritative while OPEN
	}

	if err := e.store.Incidents().AdvanceLevel(ctx, incidentID, level, repeat); err != nil {
		return err
	}

	policy, err := e.store.Policies().Get(ctx, inc.EscalationPolicyID)
	if err != nil {
		return err
	}
	lvl, ok := policy.Level(level)
	if !ok {
		return errs.New("escalation.startLevel", errs.ClassInternal, errs.ErrValidation)
	}

	userID, err := e.resolver.ResolveTarget(ctx, inc.TeamID, lvl, e.clk.Now())
	if err == nil && userID != "" {
		if err := e.dispatch.Dispatch(ctx, incidentID, userID, model.TierPrimary); err != nil && e.logger != nil {
			e.logger.ErrorContext(ctx, "dispatch failed", map[string]interface{}{"incident_id": incidentID, "error": err.Error()})
		}
	} else if e.logger != nil {
		e.logger.WarnContext(ctx, "no target resolved for escalation level", map[string]interface{}{
			"incident_id": incidentID, "level": level,
		})
	}

	return e.scheduleTimeout(ctx, incidentID, level, repeat, time.Duration(lvl.TimeoutMinutes)*time.Minute)
}

func (e *Engine) scheduleTimeout(ctx context.Context, incidentID string, level, repeat int, after time.Duration) error {
	payload, err := json.Marshal(timeoutJob{IncidentID: incidentID, Level: level, Repeat: repeat})
	if err != nil {
		return errs.New("escalation.scheduleTimeout", errs.ClassInternal, err)
	}
	_, err = e.q.Enqueue(ctx, "escalation", payload, e.clk.Now().Add(after))
	return err
}

// HandleTimeout is the queue consumer's entry point for "escalation"
// jobs. It implements spec §4.4's timeout transition, discarding any job
// whose (level, repeat) no longer matches the incident's current state —
// the implicit cancellation mechanism described in spec §4.4.
func (e *Engine) HandleTimeout(ctx context.Context, payload []byte) error {
	var job timeoutJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errs.New("escalation.HandleTimeout", errs.ClassPermanent, err)
	}

	inc, err := e.store.Incidents().Get(ctx, job.IncidentID)
	if err != nil {
		return err
	}
	if inc.Status != model.IncidentOpen {
		return nil
	}
	if inc.CurrentLevel != job.Level || inc.CurrentRepeat != job.Repeat {
		return nil // stale timer, superseded by a later escalation or an ack
	}

	policy, err := e.store.Policies().Get(ctx, inc.EscalationPolicyID)
	if err != nil {
		return err
	}

	if job.Level < policy.MaxLevel() {
		return e.startLevel(ctx, inc.ID, job.Level+1, job.Repeat)
	}
	if job.Repeat < policy.RepeatCount {
		return e.startLevel(ctx, inc.ID, 1, job.Repeat+1)
	}

	return e.exhaust(ctx, inc.ID)
}

func (e *Engine) exhaust(ctx context.Context, incidentID string) error {
	e.emit(ctx, "incident.escalationExhausted", incidentID)
	if e.logger != nil {
		e.logger.WarnContext(ctx, "escalation exhausted", map[string]interface{}{"incident_id": incidentID})
	}
	return nil
}

// Acknowledge implements the atomic OPEN->ACKNOWLEDGED transition of spec
// §4.4's concurrency note: two concurrent acks race on a single CAS;
// exactly one wins, the other is a benign no-op.
func (e *Engine) Acknowledge(ctx context.Context, incidentID string) (won bool, err error) {
	ok, err := e.store.Incidents().CompareAndSetStatus(ctx, incidentID, model.IncidentOpen, model.IncidentAcknowledged, e.clk.Now())
	if err != nil {
		return false, err
	}
	if ok {
		e.emit(ctx, "incident.acknowledged", incidentID)
	}
	return ok, nil
}

// Resolve transitions an incident to RESOLVED from either OPEN or
// ACKNOWLEDGED.
func (e *Engine) Resolve(ctx context.Context, incidentID string) (won bool, err error) {
	inc, err := e.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return false, err
	}
	from := inc.Status
	if from != model.IncidentOpen && from != model.IncidentAcknowledged {
		return false, nil
	}
	ok, err := e.store.Incidents().CompareAndSetStatus(ctx, incidentID, from, model.IncidentResolved, e.clk.Now())
	if err != nil {
		return false, err
	}
	if ok {
		e.emit(ctx, "incident.resolved", incidentID)
	}
	return ok, nil
}

func (e *Engine) emit(ctx context.Context, eventType, incidentID string) {
	for _, sink := range e.sinks {
		func(s EventSink) {
			defer func() {
				if r := recover(); r != nil && e.logger != nil {
					e.logger.ErrorContext(ctx, "event sink panicked", map[string]interface{}{
						"event": eventType, "incident_id": incidentID, "panic": r,
					})
				}
			}()
			s.Emit(ctx, eventType, incidentID)
		}(sink)
	}
}
