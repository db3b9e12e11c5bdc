package httpapi

import (
	"time"

	"github.com/thanigaiv/oncallforge/internal/model"
)

// incidentResponse is the wire representation of model.Incident; kept
// separate from the domain type so the API surface can evolve without
// forcing a change on every internal package.
type incidentResponse struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	Priority            string    `json:"priority"`
	TeamID             string     `json:"team_id"`
	ServiceID          string     `json:"service_id,omitempty"`
	AssignedUserID     string     `json:"assigned_user_id,omitempty"`
	CurrentLevel       int        `json:"current_level"`
	CurrentRepeat      int        `json:"current_repeat"`
	AlertCount         int        `json:"alert_count"`
	CreatedAt          time.Time  `json:"created_at"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

func incidentToResponse(i *model.Incident) incidentResponse {
	return incidentResponse{
		ID:             i.ID,
		Status:         string(i.Status),
		Priority:       string(i.Priority),
		TeamID:         i.TeamID,
		ServiceID:      i.ServiceID,
		AssignedUserID: i.AssignedUserID,
		CurrentLevel:   i.CurrentLevel,
		CurrentRepeat:  i.CurrentRepeat,
		AlertCount:     i.AlertCount,
		CreatedAt:      i.CreatedAt,
		AcknowledgedAt: i.AcknowledgedAt,
		ResolvedAt:     i.ResolvedAt,
	}
}

type webhookResponse struct {
	AlertID string `json:"alert_id,omitempty"`
	Outcome string `json:"outcome"`
}

type ackResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type resolveResponse struct {
	Resolved bool `json:"resolved"`
}

// createWorkflowRequest is the body of POST /workflows.
type createWorkflowRequest struct {
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	ScopeType   string             `json:"scope_type" validate:"required,oneof=team global"`
	TeamID      string             `json:"team_id" validate:"required_if=ScopeType team"`
	Definition  definitionPayload  `json:"definition" validate:"required"`
}

// putVersionRequest is the body of POST /workflows/{id}/versions.
type putVersionRequest struct {
	Definition definitionPayload `json:"definition" validate:"required"`
	ChangeNote string            `json:"change_note"`
}

type definitionPayload struct {
	Trigger triggerPayload     `json:"trigger" validate:"required"`
	Nodes   []nodePayload      `json:"nodes" validate:"required,min=1,dive"`
	Edges   []edgePayload      `json:"edges" validate:"dive"`
}

type triggerPayload struct {
	EventType     string              `json:"event_type" validate:"required"`
	Conditions    []conditionPayload  `json:"conditions" validate:"dive"`
	StateChangeTo string              `json:"state_change_to"`
}

type conditionPayload struct {
	Field string      `json:"field" validate:"required"`
	Op    string      `json:"op" validate:"required"`
	Value interface{} `json:"value"`
}

type nodePayload struct {
	ID          string              `json:"id" validate:"required"`
	Kind        string              `json:"kind" validate:"required,oneof=trigger action condition"`
	ActionType  string              `json:"action_type"`
	Params      map[string]interface{} `json:"params"`
	Conditions  []conditionPayload  `json:"conditions" validate:"dive"`
	OnFailure   string              `json:"on_failure"`
	Retry       retryPayload        `json:"retry"`
}

type retryPayload struct {
	Attempts      int     `json:"attempts"`
	InitialDelay  string  `json:"initial_delay"`
	BackoffFactor float64 `json:"backoff_factor"`
}

type edgePayload struct {
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
	Branch string `json:"branch"`
}

func (p definitionPayload) toModel() (model.Definition, error) {
	def := model.Definition{
		Trigger: model.WorkflowTrigger{
			EventType:     p.Trigger.EventType,
			StateChangeTo: p.Trigger.StateChangeTo,
			Conditions:    toConditions(p.Trigger.Conditions),
		},
	}
	for _, n := range p.Nodes {
		var delay time.Duration
		if n.Retry.InitialDelay != "" {
			d, err := time.ParseDuration(n.Retry.InitialDelay)
			if err != nil {
				return def, err
			}
			delay = d
		}
		def.Nodes = append(def.Nodes, model.WorkflowNode{
			ID:         n.ID,
			Kind:       model.NodeKind(n.Kind),
			ActionType: n.ActionType,
			Params:     n.Params,
			Conditions: toConditions(n.Conditions),
			OnFailure:  model.FailureMode(n.OnFailure),
			Retry: model.RetryConfig{
				Attempts:      n.Retry.Attempts,
				InitialDelay:  delay,
				BackoffFactor: n.Retry.BackoffFactor,
			},
		})
	}
	for _, e := range p.Edges {
		def.Edges = append(def.Edges, model.WorkflowEdge{From: e.From, To: e.To, Branch: e.Branch})
	}
	return def, nil
}

func toConditions(cs []conditionPayload) []model.Condition {
	if len(cs) == 0 {
		return nil
	}
	out := make([]model.Condition, 0, len(cs))
	for _, c := range cs {
		out = append(out, model.Condition{Field: c.Field, Op: c.Op, Value: c.Value})
	}
	return out
}

type workflowResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ScopeType   string `json:"scope_type"`
	TeamID      string `json:"team_id,omitempty"`
	IsEnabled   bool   `json:"is_enabled"`
	Version     int    `json:"version"`
}

func workflowToResponse(wf *model.Workflow) workflowResponse {
	return workflowResponse{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		ScopeType:   string(wf.ScopeType),
		TeamID:      wf.TeamID,
		IsEnabled:   wf.IsEnabled,
		Version:     wf.Version,
	}
}

type executionResponse struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	IncidentID string    `json:"incident_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func executionToResponse(e *model.WorkflowExecution) executionResponse {
	return executionResponse{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Status:     string(e.Status),
		IncidentID: e.IncidentID,
		Error:      e.Error,
	}
}

type triggerWorkflowRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	IncidentID string `json:"incident_id" validate:"required"`
}

// rollbackRequest is the body of POST /workflows/{id}/rollback.
type rollbackRequest struct {
	ToVersion int `json:"to_version" validate:"required,min=1"`
}
