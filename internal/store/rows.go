package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// The *Row types are sqlx scan targets mirroring the relational schema of
// §6 ("Persisted state layout: relational tables for each entity in §3").
// Nullable columns use sql.NullString/NullTime; JSON/JSONB columns carry
// opaque blobs unmarshaled on the way out.

type alertRow struct {
	ID            string         `db:"id"`
	IntegrationID string         `db:"integration_id"`
	Title         string         `db:"title"`
	Severity      string         `db:"severity"`
	Status        string         `db:"status"`
	Fingerprint   string         `db:"fingerprint"`
	Metadata      []byte         `db:"metadata"`
	ExternalID    sql.NullString `db:"external_id"`
	ReceivedAt    time.Time      `db:"received_at"`
	IncidentID    sql.NullString `db:"incident_id"`
}

func (r alertRow) toModel() *model.Alert {
	var meta map[string]interface{}
	_ = json.Unmarshal(r.Metadata, &meta)
	return &model.Alert{
		ID: r.ID, IntegrationID: r.IntegrationID, Title: r.Title,
		Severity: model.Severity(r.Severity), Status: model.AlertStatus(r.Status),
		Fingerprint: r.Fingerprint, Metadata: meta,
		ExternalID: r.ExternalID.String, ReceivedAt: r.ReceivedAt, IncidentID: r.IncidentID.String,
	}
}

func jsonbOf(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

type incidentRow struct {
	ID                 string         `db:"id"`
	Fingerprint        string         `db:"fingerprint"`
	Status             string         `db:"status"`
	Priority           string         `db:"priority"`
	TeamID             string         `db:"team_id"`
	EscalationPolicyID string         `db:"escalation_policy_id"`
	ServiceID          sql.NullString `db:"service_id"`
	AssignedUserID     sql.NullString `db:"assigned_user_id"`
	CurrentLevel       int            `db:"current_level"`
	CurrentRepeat      int            `db:"current_repeat"`
	AlertCount         int            `db:"alert_count"`
	CreatedAt          time.Time      `db:"created_at"`
	AcknowledgedAt     sql.NullTime   `db:"acknowledged_at"`
	ResolvedAt         sql.NullTime   `db:"resolved_at"`
}

func (r incidentRow) toModel() *model.Incident {
	i := &model.Incident{
		ID: r.ID, Fingerprint: r.Fingerprint, Status: model.IncidentStatus(r.Status),
		Priority: model.Severity(r.Priority), TeamID: r.TeamID, EscalationPolicyID: r.EscalationPolicyID,
		ServiceID: r.ServiceID.String, AssignedUserID: r.AssignedUserID.String,
		CurrentLevel: r.CurrentLevel, CurrentRepeat: r.CurrentRepeat, AlertCount: r.AlertCount,
		CreatedAt: r.CreatedAt,
	}
	if r.AcknowledgedAt.Valid {
		i.AcknowledgedAt = &r.AcknowledgedAt.Time
	}
	if r.ResolvedAt.Valid {
		i.ResolvedAt = &r.ResolvedAt.Time
	}
	return i
}

type serviceRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	RoutingKey         string         `db:"routing_key"`
	TeamID             string         `db:"team_id"`
	EscalationPolicyID sql.NullString `db:"escalation_policy_id"`
	Status             string         `db:"status"`
}

func (r serviceRow) toModel() *model.Service {
	return &model.Service{
		ID: r.ID, Name: r.Name, RoutingKey: r.RoutingKey, TeamID: r.TeamID,
		EscalationPolicyID: r.EscalationPolicyID.String, Status: model.ServiceStatus(r.Status),
	}
}

type teamMemberRow struct {
	TeamID   string    `db:"team_id"`
	UserID   string    `db:"user_id"`
	Role     string    `db:"role"`
	JoinedAt time.Time `db:"joined_at"`
	Active   bool      `db:"active"`
}

func (r teamMemberRow) toModel() model.TeamMember {
	return model.TeamMember{
		TeamID: r.TeamID, UserID: r.UserID, Role: model.TeamRole(r.Role),
		JoinedAt: r.JoinedAt, Active: r.Active,
	}
}

type policyRow struct {
	ID          string `db:"id"`
	TeamID      string `db:"team_id"`
	Name        string `db:"name"`
	RepeatCount int    `db:"repeat_count"`
	Active      bool   `db:"active"`
}

type levelRow struct {
	PolicyID       string         `db:"policy_id"`
	LevelNumber    int            `db:"level_number"`
	TargetType     string         `db:"target_type"`
	TargetID       sql.NullString `db:"target_id"`
	TimeoutMinutes int            `db:"timeout_minutes"`
}

func (r policyRow) toModel(levels []levelRow) *model.EscalationPolicy {
	out := make([]model.EscalationLevel, len(levels))
	for i, l := range levels {
		out[i] = model.EscalationLevel{
			LevelNumber: l.LevelNumber, TargetType: model.TargetType(l.TargetType),
			TargetID: l.TargetID.String, TimeoutMinutes: l.TimeoutMinutes,
		}
	}
	return &model.EscalationPolicy{
		ID: r.ID, TeamID: r.TeamID, Name: r.Name, RepeatCount: r.RepeatCount,
		Levels: out, Active: r.Active,
	}
}

type scheduleRow struct {
	ID             string    `db:"id"`
	TeamID         string    `db:"team_id"`
	Name           string    `db:"name"`
	Timezone       string    `db:"timezone"`
	StartDate      time.Time `db:"start_date"`
	RecurrenceRule string    `db:"recurrence_rule"`
	RotationUsers  []byte    `db:"rotation_user_ids"`
	IsActive       bool      `db:"is_active"`
}

type layerRow struct {
	ScheduleID     string    `db:"schedule_id"`
	ID             string    `db:"id"`
	Priority       int       `db:"priority"`
	Timezone       string    `db:"timezone"`
	RecurrenceRule string    `db:"recurrence_rule"`
	StartDate      time.Time `db:"start_date"`
	RotationUsers  []byte    `db:"rotation_user_ids"`
	DaysOfWeek     []byte    `db:"days_of_week"`
}

type overrideRow struct {
	ID         string    `db:"id"`
	ScheduleID string    `db:"schedule_id"`
	UserID     string    `db:"user_id"`
	StartTime  time.Time `db:"start_time"`
	EndTime    time.Time `db:"end_time"`
	Reason     sql.NullString `db:"reason"`
}

func loadSchedule(ctx context.Context, q queryer, where string, arg interface{}) (*model.Schedule, error) {
	var row scheduleRow
	if err := q.GetContext(ctx, &row, `SELECT * FROM schedules WHERE `+where, arg); err != nil {
		return nil, wrapGet("store.pg.loadSchedule", "schedule", err)
	}
	var users []string
	_ = json.Unmarshal(row.RotationUsers, &users)

	var layers []layerRow
	if err := q.SelectContext(ctx, &layers, `SELECT * FROM schedule_layers WHERE schedule_id=$1 ORDER BY priority DESC`, row.ID); err != nil {
		return nil, wrapExec("store.pg.loadSchedule.layers", err)
	}
	var overrides []overrideRow
	if err := q.SelectContext(ctx, &overrides, `SELECT * FROM schedule_overrides WHERE schedule_id=$1`, row.ID); err != nil {
		return nil, wrapExec("store.pg.loadSchedule.overrides", err)
	}

	s := &model.Schedule{
		ID: row.ID, TeamID: row.TeamID, Name: row.Name, Timezone: row.Timezone,
		StartDate: row.StartDate, RecurrenceRule: row.RecurrenceRule, RotationUserIDs: users,
		IsActive: row.IsActive,
	}
	for _, l := range layers {
		var lusers []string
		_ = json.Unmarshal(l.RotationUsers, &lusers)
		var days []time.Weekday
		_ = json.Unmarshal(l.DaysOfWeek, &days)
		s.Layers = append(s.Layers, model.ScheduleLayer{
			ID: l.ID, Priority: l.Priority, Timezone: l.Timezone, RecurrenceRule: l.RecurrenceRule,
			StartDate: l.StartDate, RotationUserIDs: lusers,
			Restrictions: model.Restrictions{DaysOfWeek: days},
		})
	}
	for _, o := range overrides {
		s.Overrides = append(s.Overrides, model.ScheduleOverride{
			ID: o.ID, ScheduleID: o.ScheduleID, UserID: o.UserID,
			Start: o.StartTime, End: o.EndTime, Reason: o.Reason.String,
		})
	}
	return s, nil
}

type workflowRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	ScopeType   string `db:"scope_type"`
	TeamID      sql.NullString `db:"team_id"`
	IsEnabled   bool   `db:"is_enabled"`
	Version     int    `db:"version"`
}

func (r workflowRow) toModel() *model.Workflow {
	return &model.Workflow{
		ID: r.ID, Name: r.Name, Description: r.Description, ScopeType: model.WorkflowScope(r.ScopeType),
		TeamID: r.TeamID.String, IsEnabled: r.IsEnabled, Version: r.Version,
	}
}

type versionRow struct {
	WorkflowID string    `db:"workflow_id"`
	Version    int       `db:"version"`
	Definition []byte    `db:"definition"`
	ChangeNote string    `db:"change_note"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r versionRow) toModel() (*model.WorkflowVersion, error) {
	var def model.Definition
	if err := json.Unmarshal(r.Definition, &def); err != nil {
		return nil, errs.New("store.pg.versionRow.toModel", errs.ClassInternal, err)
	}
	return &model.WorkflowVersion{
		WorkflowID: r.WorkflowID, Version: r.Version, Definition: def,
		ChangeNote: r.ChangeNote, CreatedAt: r.CreatedAt,
	}, nil
}

func marshalDefinition(d model.Definition) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, errs.New("store.pg.marshalDefinition", errs.ClassInternal, err)
	}
	return b, nil
}

func marshalStrings(ss []string) ([]byte, error) { return json.Marshal(ss) }

func marshalNodes(ns []model.CompletedNode) ([]byte, error) {
	b, err := json.Marshal(ns)
	if err != nil {
		return nil, errs.New("store.pg.marshalNodes", errs.ClassInternal, err)
	}
	return b, nil
}

type executionRow struct {
	ID                 string         `db:"id"`
	WorkflowID         string         `db:"workflow_id"`
	WorkflowVersion    int            `db:"workflow_version"`
	DefinitionSnapshot []byte         `db:"definition_snapshot"`
	IncidentID         sql.NullString `db:"incident_id"`
	TriggeredBy        string         `db:"triggered_by"`
	TriggerEvent       string         `db:"trigger_event"`
	ExecutionChain     []byte         `db:"execution_chain"`
	Status             string         `db:"status"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	FailedAt           sql.NullTime   `db:"failed_at"`
	Error              sql.NullString `db:"error"`
	CompletedNodes     []byte         `db:"completed_nodes"`
}

func (r executionRow) toModel() (*model.WorkflowExecution, error) {
	var def model.Definition
	if err := json.Unmarshal(r.DefinitionSnapshot, &def); err != nil {
		return nil, errs.New("store.pg.executionRow.toModel", errs.ClassInternal, err)
	}
	var chain []string
	_ = json.Unmarshal(r.ExecutionChain, &chain)
	var nodes []model.CompletedNode
	_ = json.Unmarshal(r.CompletedNodes, &nodes)
	e := &model.WorkflowExecution{
		ID: r.ID, WorkflowID: r.WorkflowID, WorkflowVersion: r.WorkflowVersion,
		DefinitionSnapshot: def, IncidentID: r.IncidentID.String,
		TriggeredBy: model.TriggeredBy(r.TriggeredBy), TriggerEvent: r.TriggerEvent,
		ExecutionChain: chain, Status: model.ExecutionStatus(r.Status),
		Error: r.Error.String, CompletedNodes: nodes,
	}
	if r.StartedAt.Valid {
		e.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		e.CompletedAt = &r.CompletedAt.Time
	}
	if r.FailedAt.Valid {
		e.FailedAt = &r.FailedAt.Time
	}
	return e, nil
}

type notifRow struct {
	ID              string         `db:"id"`
	IncidentID      string         `db:"incident_id"`
	UserID          string         `db:"user_id"`
	Channel         string         `db:"channel"`
	EscalationLevel int            `db:"escalation_level"`
	Tier            string         `db:"tier"`
	Status          string         `db:"status"`
	ProviderID      sql.NullString `db:"provider_id"`
	Error           sql.NullString `db:"error"`
	QueuedAt        time.Time      `db:"queued_at"`
	SendingAt       sql.NullTime   `db:"sending_at"`
	SentAt          sql.NullTime   `db:"sent_at"`
	DeliveredAt     sql.NullTime   `db:"delivered_at"`
	FailedAt        sql.NullTime   `db:"failed_at"`
}

func (r notifRow) toModel() *model.NotificationLog {
	n := &model.NotificationLog{
		ID: r.ID, IncidentID: r.IncidentID, UserID: r.UserID, Channel: model.Channel(r.Channel),
		EscalationLevel: r.EscalationLevel, Tier: model.NotifTier(r.Tier), Status: model.NotifStatus(r.Status),
		ProviderID: r.ProviderID.String, Error: r.Error.String, QueuedAt: r.QueuedAt,
	}
	if r.SendingAt.Valid {
		n.SendingAt = &r.SendingAt.Time
	}
	if r.SentAt.Valid {
		n.SentAt = &r.SentAt.Time
	}
	if r.DeliveredAt.Valid {
		n.DeliveredAt = &r.DeliveredAt.Time
	}
	if r.FailedAt.Valid {
		n.FailedAt = &r.FailedAt.Time
	}
	return n
}

type integrationRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	Active             bool   `db:"active"`
	Provider           string `db:"provider"`
	Secret             string `db:"secret"`
	SignatureHeader    string `db:"signature_header"`
	SignatureAlgorithm string `db:"signature_algorithm"`
	SignatureFormat    string `db:"signature_format"`
	DefaultServiceID   sql.NullString `db:"default_service_id"`
	DedupeWindowMin    int    `db:"dedupe_window_min"`
}

func (r integrationRow) toModel() *model.Integration {
	return &model.Integration{
		ID: r.ID, Name: r.Name, Active: r.Active, Provider: r.Provider, Secret: r.Secret,
		SignatureHeader: r.SignatureHeader, SignatureAlgorithm: r.SignatureAlgorithm,
		SignatureFormat: r.SignatureFormat, DefaultServiceID: r.DefaultServiceID.String,
		DedupeWindowMin: r.DedupeWindowMin,
	}
}
