// Package workflow implements the Workflow Engine of spec §4.6: matching
// lifecycle events against enabled workflow definitions, and executing a
// matched workflow's DAG of condition/action nodes. Grounded on the
// teacher's orchestration package (workflow_dag.go's cycle detection and
// topological walk, workflow_engine.go's trigger-matching shape),
// generalized from dependency-list nodes to the spec's edge+branch model.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
)

// executionQueue names the durable queue matched workflows are enqueued
// onto, per spec §4.6/§5 ("concurrency 5, rate 100/min").
const executionQueue = "workflows"

// maxChainDepth bounds how many workflows may trigger one another in a
// single execution chain, preventing workflow A's action from triggering
// workflow B which re-triggers A.
const maxChainDepth = 3

// TemplateContext is what an action node's Params may interpolate
// "{{dotted.path}}" placeholders against.
type TemplateContext struct {
	Incident *model.Incident
	Assignee *model.User
	Team     *model.Team
	Workflow *model.Workflow
	Event    string
	Metadata map[string]interface{}
}

// Engine matches lifecycle events to enabled workflows and executes them.
// Matching happens inline (cheap: a scope lookup plus a condition
// evaluation); the DAG run itself never does, since an action like the
// webhook action can take up to its own configured timeout and must not
// block the dedupe/escalation goroutine that raised the event. Matched
// workflows are instead enqueued onto executionQueue and run by whatever
// is consuming it (HandleExecutionJob).
type Engine struct {
	store   store.Store
	actions *ActionRegistry
	q       queue.Queue
	clk     clock.Clock
	logger  logging.Logger
}

func New(st store.Store, actions *ActionRegistry, q queue.Queue, clk clock.Clock, logger logging.Logger) *Engine {
	return &Engine{store: st, actions: actions, q: q, clk: clk, logger: logger}
}

// executionJob is the durable payload HandleEvent's matcher enqueues onto
// executionQueue; HandleExecutionJob reloads the workflow and version by
// ID rather than carrying the definition itself, so a rollback or new
// version landing between enqueue and execution is never raced against a
// stale snapshot.
type executionJob struct {
	WorkflowID  string            `json:"workflow_id"`
	Version     int               `json:"version"`
	IncidentID  string            `json:"incident_id"`
	TriggeredBy model.TriggeredBy `json:"triggered_by"`
	Event       string            `json:"event"`
	Chain       []string          `json:"chain,omitempty"`
}

// HandleExecutionJob is the queue.Handler consuming executionQueue: it
// reloads the workflow and the matched version, then runs Trigger exactly
// as a synchronous caller (e.g. the manual-trigger HTTP handler) would.
func (e *Engine) HandleExecutionJob(ctx context.Context, job queue.Job) error {
	var payload executionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.New("workflow.HandleExecutionJob", errs.ClassPermanent, err)
	}

	wf, err := e.store.Workflows().Get(ctx, payload.WorkflowID)
	if err != nil {
		return err
	}
	version, err := e.store.Workflows().GetVersion(ctx, payload.WorkflowID, payload.Version)
	if err != nil {
		return err
	}

	_, err = e.Trigger(ctx, wf, version, payload.IncidentID, payload.TriggeredBy, payload.Event, payload.Chain)
	return err
}

// enqueueExecution schedules a matched workflow's execution rather than
// running it inline, per spec §4.6's matcher contract ("create a
// WorkflowExecution snapshot and enqueue an executor job").
func (e *Engine) enqueueExecution(ctx context.Context, wf *model.Workflow, version *model.WorkflowVersion, incidentID string, triggeredBy model.TriggeredBy, eventType string, chain []string) error {
	payload, err := json.Marshal(executionJob{
		WorkflowID: wf.ID, Version: version.Version, IncidentID: incidentID,
		TriggeredBy: triggeredBy, Event: eventType, Chain: chain,
	})
	if err != nil {
		return errs.New("workflow.enqueueExecution", errs.ClassInternal, err)
	}
	_, err = e.q.Enqueue(ctx, executionQueue, payload, e.clk.Now())
	return err
}

// HandleEvent is the single lifecycle entry point every upstream package
// fires into, regardless of which raised the event.
func (e *Engine) HandleEvent(ctx context.Context, eventType, incidentID string) {
	if err := e.handleEvent(ctx, eventType, incidentID, "", nil); err != nil && e.logger != nil {
		e.logger.ErrorContext(ctx, "workflow event handling failed", map[string]interface{}{
			"event": eventType, "incident_id": incidentID, "error": err.Error(),
		})
	}
}

// IncidentCreated implements dedup.LifecycleSink structurally.
func (e *Engine) IncidentCreated(ctx context.Context, incidentID string) {
	e.HandleEvent(ctx, "incident.created", incidentID)
}

// Emit implements escalation.EventSink structurally.
func (e *Engine) Emit(ctx context.Context, eventType, incidentID string) {
	e.HandleEvent(ctx, eventType, incidentID)
}

// HandleStateChange is the state_changed event's entry point, since spec
// §4.6's trigger definition checks the event's destination status in
// addition to its type.
func (e *Engine) HandleStateChange(ctx context.Context, incidentID, toStatus string) {
	if err := e.handleEvent(ctx, "state_changed", incidentID, toStatus, nil); err != nil && e.logger != nil {
		e.logger.ErrorContext(ctx, "workflow state-change handling failed", map[string]interface{}{
			"incident_id": incidentID, "to": toStatus, "error": err.Error(),
		})
	}
}

func (e *Engine) handleEvent(ctx context.Context, eventType, incidentID, stateChangeTo string, chain []string) error {
	inc, err := e.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return err
	}

	workflows, err := e.store.Workflows().EnabledForScope(ctx, inc.TeamID)
	if err != nil {
		return err
	}

	tmplCtx := e.buildContext(ctx, inc, eventType, nil)

	for i := range workflows {
		wf := &workflows[i]
		version, err := e.store.Workflows().GetVersion(ctx, wf.ID, wf.Version)
		if err != nil {
			if e.logger != nil {
				e.logger.ErrorContext(ctx, "failed to load workflow version", map[string]interface{}{"workflow_id": wf.ID, "error": err.Error()})
			}
			continue
		}
		if !e.matches(version.Definition.Trigger, eventType, stateChangeTo, tmplCtx) {
			continue
		}
		if err := e.enqueueExecution(ctx, wf, version, incidentID, model.TriggeredByEvent, eventType, chain); err != nil && e.logger != nil {
			e.logger.ErrorContext(ctx, "workflow execution enqueue failed", map[string]interface{}{"workflow_id": wf.ID, "error": err.Error()})
		}
	}
	return nil
}

func (e *Engine) matches(trigger model.WorkflowTrigger, eventType, stateChangeTo string, tmplCtx TemplateContext) bool {
	if trigger.EventType != eventType {
		return false
	}
	if eventType == "state_changed" && trigger.StateChangeTo != "" && trigger.StateChangeTo != stateChangeTo {
		return false
	}
	return evalConditions(trigger.Conditions, asMap(tmplCtx))
}

func (e *Engine) buildContext(ctx context.Context, inc *model.Incident, eventType string, metadata map[string]interface{}) TemplateContext {
	tc := TemplateContext{Incident: inc, Event: eventType, Metadata: metadata}
	if inc.TeamID != "" {
		if team, err := e.store.Teams().Get(ctx, inc.TeamID); err == nil {
			tc.Team = team
		}
	}
	if inc.AssignedUserID != "" {
		if u, err := e.store.Teams().User(ctx, inc.AssignedUserID); err == nil {
			tc.Assignee = u
		}
	}
	return tc
}

// Trigger runs one matched workflow version's DAG to completion, per spec
// §4.6. executionChain tracks workflow IDs already triggered in this call
// stack so an action that itself fires a lifecycle event can't recreate a
// cycle beyond maxChainDepth.
func (e *Engine) Trigger(ctx context.Context, wf *model.Workflow, version *model.WorkflowVersion, incidentID string, triggeredBy model.TriggeredBy, eventType string, executionChain []string) (*model.WorkflowExecution, error) {
	for _, id := range executionChain {
		if id == wf.ID {
			return nil, errs.New("workflow.Trigger", errs.ClassPermanent, errs.ErrCycleDetected)
		}
	}
	if len(executionChain) >= maxChainDepth {
		return nil, errs.New("workflow.Trigger", errs.ClassPermanent, errs.ErrCycleDetected)
	}

	graph, err := buildGraph(version.Definition)
	if err != nil {
		return nil, errs.New("workflow.Trigger", errs.ClassValidation, err)
	}

	chain := append(append([]string{}, executionChain...), wf.ID)
	started := e.clk.Now()
	exec := &model.WorkflowExecution{
		ID:                 uuid.NewString(),
		WorkflowID:         wf.ID,
		WorkflowVersion:    version.Version,
		DefinitionSnapshot: version.Definition,
		IncidentID:         incidentID,
		TriggeredBy:        triggeredBy,
		TriggerEvent:       eventType,
		ExecutionChain:     chain,
		Status:             model.ExecRunning,
		StartedAt:          &started,
	}
	if err := e.store.Workflows().CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	inc, err := e.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return exec, err
	}
	tmplCtx := e.buildContext(ctx, inc, eventType, nil)
	tmplCtx.Workflow = wf

	runErr := e.run(ctx, graph, exec, tmplCtx)

	completed := e.clk.Now()
	if runErr != nil {
		exec.Status = model.ExecFailed
		exec.Error = runErr.Error()
		exec.FailedAt = &completed
	} else {
		exec.Status = model.ExecCompleted
		exec.CompletedAt = &completed
	}
	if err := e.store.Workflows().UpdateExecution(ctx, exec); err != nil {
		return exec, err
	}
	return exec, runErr
}

// run walks the DAG from its root nodes (those with no incoming edge),
// following the selected branch out of each condition node, executing
// action nodes via the ActionRegistry, and recording one CompletedNode
// per node visited.
func (e *Engine) run(ctx context.Context, g *graph, exec *model.WorkflowExecution, tmplCtx TemplateContext) error {
	visited := make(map[string]bool)
	queue := append([]string{}, g.roots...)

	for len(queue) > 0 {
		if exec.CancelRequested {
			return nil
		}
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := g.nodes[id]
		if !ok {
			continue
		}

		switch node.Kind {
		case model.NodeCondition:
			branch := "false"
			if evalConditions(node.Conditions, asMap(tmplCtx)) {
				branch = "true"
			}
			exec.CompletedNodes = append(exec.CompletedNodes, model.CompletedNode{NodeID: id, Status: "completed"})
			queue = append(queue, g.next(id, branch)...)

		case model.NodeAction:
			result, err := e.runAction(ctx, node, tmplCtx)
			if err != nil {
				exec.CompletedNodes = append(exec.CompletedNodes, model.CompletedNode{NodeID: id, Status: "failed", Error: err.Error()})
				if node.OnFailure == model.OnFailureStop {
					return err
				}
			} else {
				exec.CompletedNodes = append(exec.CompletedNodes, model.CompletedNode{NodeID: id, Status: "completed", Result: result})
			}
			queue = append(queue, g.next(id, "")...)

		default: // trigger node, a no-op pass-through
			exec.CompletedNodes = append(exec.CompletedNodes, model.CompletedNode{NodeID: id, Status: "completed"})
			queue = append(queue, g.next(id, "")...)
		}
	}
	return nil
}

func (e *Engine) runAction(ctx context.Context, node model.WorkflowNode, tmplCtx TemplateContext) (map[string]interface{}, error) {
	params := interpolate(node.Params, tmplCtx)

	attempts := node.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := node.Retry.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	factor := node.Retry.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			<-e.clk.After(delay)
			delay = time.Duration(float64(delay) * factor)
		}
		result, err := e.actions.Execute(ctx, node.ActionType, params, tmplCtx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func asMap(tc TemplateContext) map[string]interface{} {
	out := map[string]interface{}{"event": tc.Event}
	if tc.Incident != nil {
		out["incident"] = map[string]interface{}{
			"id": tc.Incident.ID, "priority": string(tc.Incident.Priority),
			"status": string(tc.Incident.Status), "team_id": tc.Incident.TeamID,
			"service_id": tc.Incident.ServiceID, "assigned_user_id": tc.Incident.AssignedUserID,
			"current_level": tc.Incident.CurrentLevel, "alert_count": tc.Incident.AlertCount,
		}
	}
	if tc.Team != nil {
		out["team"] = map[string]interface{}{"id": tc.Team.ID, "name": tc.Team.Name}
	}
	if tc.Assignee != nil {
		out["assignee"] = map[string]interface{}{"id": tc.Assignee.ID, "name": tc.Assignee.Name}
	}
	if tc.Workflow != nil {
		out["workflow"] = map[string]interface{}{"id": tc.Workflow.ID, "name": tc.Workflow.Name}
	}
	if tc.Metadata != nil {
		out["metadata"] = tc.Metadata
	}
	return out
}
