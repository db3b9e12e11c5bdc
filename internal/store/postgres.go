// Postgres adapter for Store, built on jmoiron/sqlx over database/sql with
// the jackc/pgx/v5 stdlib driver, matching the stack the pack's closest
// domain-relevant repo (jordigilh/kubernaut) uses for its own persistence
// layer (pgx, sqlx, lib/pq).
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// Postgres is the production Store adapter.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx stdlib driver and wraps it in sqlx.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errs.New("store.Open", errs.ClassInternal, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.New("store.Open", errs.ClassTransient, err)
	}
	return &Postgres{db: sqlx.NewDb(db, "pgx")}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// txIsolation maps our IsolationLevel to database/sql's.
func txIsolation(level IsolationLevel) sql.IsolationLevel {
	if level == Serializable {
		return sql.LevelSerializable
	}
	return sql.LevelReadCommitted
}

// isSerializationFailure detects Postgres SQLSTATE 40001 (serialization
// failure under SSI) reported through either lib/pq's error type (used here
// purely for its well-known error-code constants, per the teacher pack's
// convention of treating driver errors as a classified enum rather than
// matching on message text) or pgx's wire error.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

// WithTx runs fn inside a transaction at the requested isolation level. A
// serialization failure is classified errs.ClassConflict so callers (the
// Deduplicator) can retry with backoff per spec §4.2.
func (p *Postgres) WithTx(ctx context.Context, level IsolationLevel, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: txIsolation(level)})
	if err != nil {
		return errs.New("store.WithTx", errs.ClassInternal, err)
	}
	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		if isSerializationFailure(err) {
			return ConflictError("store.WithTx", err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return ConflictError("store.WithTx", err)
		}
		return errs.New("store.WithTx", errs.ClassInternal, err)
	}
	return nil
}

// WithFingerprintTx satisfies FingerprintTxer; Postgres's SSI already makes
// the guarantee store-wide, so the fingerprint is not used.
func (p *Postgres) WithFingerprintTx(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx Tx) error) error {
	return p.WithTx(ctx, Serializable, fn)
}

type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (p *Postgres) ext() queryer { return p.db }

func (p *Postgres) Alerts() AlertStore               { return pgAlerts{p.ext()} }
func (p *Postgres) Incidents() IncidentStore         { return pgIncidents{p.ext()} }
func (p *Postgres) Services() ServiceStore           { return pgServices{p.ext()} }
func (p *Postgres) Teams() TeamStore                 { return pgTeams{p.ext()} }
func (p *Postgres) Schedules() ScheduleStore         { return pgSchedules{p.ext()} }
func (p *Postgres) Policies() PolicyStore            { return pgPolicies{p.ext()} }
func (p *Postgres) Workflows() WorkflowStore         { return pgWorkflows{p.ext()} }
func (p *Postgres) Notifications() NotificationStore { return pgNotifications{p.ext()} }
func (p *Postgres) Integrations() IntegrationStore   { return pgIntegrations{p.ext()} }
func (p *Postgres) Deliveries() DeliveryStore        { return pgDeliveries{p.ext()} }

type pgTx struct{ tx *sqlx.Tx }

func (t *pgTx) Alerts() AlertStore               { return pgAlerts{t.tx} }
func (t *pgTx) Incidents() IncidentStore         { return pgIncidents{t.tx} }
func (t *pgTx) Services() ServiceStore           { return pgServices{t.tx} }
func (t *pgTx) Teams() TeamStore                 { return pgTeams{t.tx} }
func (t *pgTx) Schedules() ScheduleStore         { return pgSchedules{t.tx} }
func (t *pgTx) Policies() PolicyStore            { return pgPolicies{t.tx} }
func (t *pgTx) Workflows() WorkflowStore         { return pgWorkflows{t.tx} }
func (t *pgTx) Notifications() NotificationStore { return pgNotifications{t.tx} }
func (t *pgTx) Integrations() IntegrationStore   { return pgIntegrations{t.tx} }
func (t *pgTx) Deliveries() DeliveryStore        { return pgDeliveries{t.tx} }

// --- Alerts ---

type pgAlerts struct{ q queryer }

func (s pgAlerts) Create(ctx context.Context, a *model.Alert) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO alerts (id, integration_id, title, severity, status, fingerprint,
			metadata, external_id, received_at, incident_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.IntegrationID, a.Title, a.Severity, a.Status, a.Fingerprint,
		jsonbOf(a.Metadata), nullString(a.ExternalID), a.ReceivedAt, nullString(a.IncidentID))
	return wrapExec("store.pg.Alerts.Create", err)
}

func (s pgAlerts) Get(ctx context.Context, id string) (*model.Alert, error) {
	var row alertRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM alerts WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Alerts.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgAlerts) GetByExternalID(ctx context.Context, integrationID, externalID string) (*model.Alert, error) {
	var row alertRow
	err := s.q.GetContext(ctx, &row, `SELECT * FROM alerts WHERE integration_id=$1 AND external_id=$2`, integrationID, externalID)
	if err != nil {
		return nil, wrapGet("store.pg.Alerts.GetByExternalID", externalID, err)
	}
	return row.toModel(), nil
}

func (s pgAlerts) SetIncident(ctx context.Context, alertID, incidentID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE alerts SET incident_id=$1 WHERE id=$2`, incidentID, alertID)
	return wrapExec("store.pg.Alerts.SetIncident", err)
}

func (s pgAlerts) CountByIncident(ctx context.Context, incidentID string) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n, `SELECT count(*) FROM alerts WHERE incident_id=$1`, incidentID)
	return n, wrapExec("store.pg.Alerts.CountByIncident", err)
}

func (s pgAlerts) AutoResolveStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE alerts SET status='RESOLVED' WHERE status='OPEN' AND received_at < $1`, olderThan)
	if err != nil {
		return 0, wrapExec("store.pg.Alerts.AutoResolveStale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Incidents ---

type pgIncidents struct{ q queryer }

func (s pgIncidents) Create(ctx context.Context, i *model.Incident) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO incidents (id, fingerprint, status, priority, team_id, escalation_policy_id,
			service_id, assigned_user_id, current_level, current_repeat, alert_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		i.ID, i.Fingerprint, i.Status, i.Priority, i.TeamID, i.EscalationPolicyID,
		nullString(i.ServiceID), nullString(i.AssignedUserID), i.CurrentLevel, i.CurrentRepeat,
		i.AlertCount, i.CreatedAt)
	return wrapExec("store.pg.Incidents.Create", err)
}

func (s pgIncidents) Get(ctx context.Context, id string) (*model.Incident, error) {
	var row incidentRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM incidents WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Incidents.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgIncidents) FindOpenByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*model.Incident, error) {
	var row incidentRow
	err := s.q.GetContext(ctx, &row, `
		SELECT * FROM incidents
		WHERE fingerprint=$1 AND status IN ('OPEN','ACKNOWLEDGED') AND created_at >= $2
		ORDER BY created_at DESC LIMIT 1`, fingerprint, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapExec("store.pg.Incidents.FindOpenByFingerprint", err)
	}
	return row.toModel(), nil
}

func (s pgIncidents) IncrementAlertCount(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE incidents SET alert_count = alert_count + 1 WHERE id=$1`, id)
	return wrapExec("store.pg.Incidents.IncrementAlertCount", err)
}

func (s pgIncidents) CompareAndSetStatus(ctx context.Context, id string, from, to model.IncidentStatus, at time.Time) (bool, error) {
	var col string
	switch to {
	case model.IncidentAcknowledged:
		col = "acknowledged_at"
	case model.IncidentResolved:
		col = "resolved_at"
	}
	var res sql.Result
	var err error
	if col != "" {
		res, err = s.q.ExecContext(ctx,
			`UPDATE incidents SET status=$1, `+col+`=$2 WHERE id=$3 AND status=$4`,
			to, at, id, from)
	} else {
		res, err = s.q.ExecContext(ctx, `UPDATE incidents SET status=$1 WHERE id=$2 AND status=$3`, to, id, from)
	}
	if err != nil {
		return false, wrapExec("store.pg.Incidents.CompareAndSetStatus", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s pgIncidents) AdvanceLevel(ctx context.Context, id string, level, repeat int) error {
	_, err := s.q.ExecContext(ctx, `UPDATE incidents SET current_level=$1, current_repeat=$2 WHERE id=$3`, level, repeat, id)
	return wrapExec("store.pg.Incidents.AdvanceLevel", err)
}

func (s pgIncidents) Assign(ctx context.Context, id, userID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE incidents SET assigned_user_id=$1 WHERE id=$2`, userID, id)
	return wrapExec("store.pg.Incidents.Assign", err)
}

// --- remaining entities: thin pass-throughs following the same pattern ---

type pgServices struct{ q queryer }

func (s pgServices) Get(ctx context.Context, id string) (*model.Service, error) {
	var row serviceRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM services WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Services.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgServices) GetByRoutingKey(ctx context.Context, key string) (*model.Service, error) {
	var row serviceRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM services WHERE routing_key=$1`, key); err != nil {
		return nil, wrapGet("store.pg.Services.GetByRoutingKey", key, err)
	}
	return row.toModel(), nil
}

type pgTeams struct{ q queryer }

func (s pgTeams) Get(ctx context.Context, id string) (*model.Team, error) {
	var row model.Team
	if err := s.q.GetContext(ctx, &row, `SELECT id, name FROM teams WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Teams.Get", id, err)
	}
	return &row, nil
}

func (s pgTeams) Members(ctx context.Context, teamID string) ([]model.TeamMember, error) {
	var rows []teamMemberRow
	if err := s.q.SelectContext(ctx, &rows, `SELECT * FROM team_members WHERE team_id=$1`, teamID); err != nil {
		return nil, wrapExec("store.pg.Teams.Members", err)
	}
	out := make([]model.TeamMember, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s pgTeams) DefaultPolicy(ctx context.Context, teamID string) (*model.EscalationPolicy, error) {
	var id string
	err := s.q.GetContext(ctx, &id, `SELECT id FROM escalation_policies WHERE team_id=$1 AND is_default AND active ORDER BY created_at LIMIT 1`, teamID)
	if err != nil {
		return nil, wrapGet("store.pg.Teams.DefaultPolicy", teamID, err)
	}
	return pgPolicies{s.q}.Get(ctx, id)
}

func (s pgTeams) ResolveByTag(ctx context.Context, tag string) (*model.Team, error) {
	var row model.Team
	err := s.q.GetContext(ctx, &row, `
		SELECT t.id, t.name FROM teams t
		JOIN technical_tags tt ON tt.team_id = t.id
		WHERE tt.tag = $1 LIMIT 1`, tag)
	if err != nil {
		return nil, wrapGet("store.pg.Teams.ResolveByTag", tag, err)
	}
	return &row, nil
}

func (s pgTeams) User(ctx context.Context, userID string) (*model.User, error) {
	var row model.User
	if err := s.q.GetContext(ctx, &row, `SELECT id, name, active FROM users WHERE id=$1`, userID); err != nil {
		return nil, wrapGet("store.pg.Teams.User", userID, err)
	}
	var contacts []model.ContactMethod
	if err := s.q.SelectContext(ctx, &contacts,
		`SELECT id, channel, address, verified FROM user_contact_methods WHERE user_id=$1`, userID); err != nil {
		return nil, wrapGet("store.pg.Teams.User.contacts", userID, err)
	}
	row.ContactMethods = contacts
	return &row, nil
}

type pgSchedules struct{ q queryer }

func (s pgSchedules) Get(ctx context.Context, id string) (*model.Schedule, error) {
	return loadSchedule(ctx, s.q, `id=$1`, id)
}

func (s pgSchedules) GetForTeam(ctx context.Context, teamID string) (*model.Schedule, error) {
	return loadSchedule(ctx, s.q, `team_id=$1 AND is_active`, teamID)
}

type pgPolicies struct{ q queryer }

func (s pgPolicies) Get(ctx context.Context, id string) (*model.EscalationPolicy, error) {
	var row policyRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM escalation_policies WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Policies.Get", id, err)
	}
	var levels []levelRow
	if err := s.q.SelectContext(ctx, &levels, `SELECT * FROM escalation_levels WHERE policy_id=$1 ORDER BY level_number`, id); err != nil {
		return nil, wrapExec("store.pg.Policies.Get.levels", err)
	}
	return row.toModel(levels), nil
}

type pgWorkflows struct{ q queryer }

func (s pgWorkflows) Create(ctx context.Context, w *model.Workflow) error {
	var teamID sql.NullString
	if w.TeamID != "" {
		teamID = sql.NullString{String: w.TeamID, Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, scope_type, team_id, is_enabled, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		w.ID, w.Name, w.Description, string(w.ScopeType), teamID, w.IsEnabled, w.Version)
	if isUniqueViolation(err) {
		return ConflictError("store.pg.Workflows.Create", err)
	}
	return wrapExec("store.pg.Workflows.Create", err)
}

func (s pgWorkflows) Get(ctx context.Context, id string) (*model.Workflow, error) {
	var row workflowRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Workflows.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgWorkflows) EnabledForScope(ctx context.Context, teamID string) ([]model.Workflow, error) {
	var rows []workflowRow
	err := s.q.SelectContext(ctx, &rows, `
		SELECT * FROM workflows
		WHERE is_enabled AND (scope_type='global' OR (scope_type='team' AND team_id=$1))`, teamID)
	if err != nil {
		return nil, wrapExec("store.pg.Workflows.EnabledForScope", err)
	}
	out := make([]model.Workflow, len(rows))
	for i, r := range rows {
		out[i] = *r.toModel()
	}
	return out, nil
}

func (s pgWorkflows) GetVersion(ctx context.Context, workflowID string, version int) (*model.WorkflowVersion, error) {
	var row versionRow
	err := s.q.GetContext(ctx, &row, `SELECT * FROM workflow_versions WHERE workflow_id=$1 AND version=$2`, workflowID, version)
	if err != nil {
		return nil, wrapGet("store.pg.Workflows.GetVersion", workflowID, err)
	}
	return row.toModel()
}

func (s pgWorkflows) Versions(ctx context.Context, workflowID string) ([]model.WorkflowVersion, error) {
	var rows []versionRow
	if err := s.q.SelectContext(ctx, &rows, `SELECT * FROM workflow_versions WHERE workflow_id=$1 ORDER BY version`, workflowID); err != nil {
		return nil, wrapExec("store.pg.Workflows.Versions", err)
	}
	out := make([]model.WorkflowVersion, 0, len(rows))
	for _, r := range rows {
		v, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s pgWorkflows) PutVersion(ctx context.Context, v *model.WorkflowVersion) error {
	def, err := marshalDefinition(v.Definition)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, definition, change_note, created_at)
		VALUES ($1,$2,$3,$4,$5)`, v.WorkflowID, v.Version, def, v.ChangeNote, v.CreatedAt)
	if isUniqueViolation(err) {
		return ConflictError("store.pg.Workflows.PutVersion", err)
	}
	return wrapExec("store.pg.Workflows.PutVersion", err)
}

func (s pgWorkflows) SetCurrentVersion(ctx context.Context, workflowID string, version int) error {
	_, err := s.q.ExecContext(ctx, `UPDATE workflows SET version=$1 WHERE id=$2`, version, workflowID)
	return wrapExec("store.pg.Workflows.SetCurrentVersion", err)
}

func (s pgWorkflows) CreateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	def, err := marshalDefinition(e.DefinitionSnapshot)
	if err != nil {
		return err
	}
	chain, _ := marshalStrings(e.ExecutionChain)
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, workflow_version, definition_snapshot,
			incident_id, triggered_by, trigger_event, execution_chain, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.WorkflowID, e.WorkflowVersion, def, nullString(e.IncidentID), e.TriggeredBy,
		e.TriggerEvent, chain, e.Status)
	return wrapExec("store.pg.Workflows.CreateExecution", err)
}

func (s pgWorkflows) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var row executionRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM workflow_executions WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Workflows.GetExecution", id, err)
	}
	return row.toModel()
}

func (s pgWorkflows) UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	nodes, err := marshalNodes(e.CompletedNodes)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE workflow_executions SET status=$1, started_at=$2, completed_at=$3, failed_at=$4,
			error=$5, completed_nodes=$6 WHERE id=$7`,
		e.Status, e.StartedAt, e.CompletedAt, e.FailedAt, e.Error, nodes, e.ID)
	return wrapExec("store.pg.Workflows.UpdateExecution", err)
}

type pgNotifications struct{ q queryer }

func (s pgNotifications) Create(ctx context.Context, n *model.NotificationLog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notification_logs (id, incident_id, user_id, channel, escalation_level, tier, status, queued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.IncidentID, n.UserID, n.Channel, n.EscalationLevel, n.Tier, n.Status, n.QueuedAt)
	return wrapExec("store.pg.Notifications.Create", err)
}

func (s pgNotifications) Get(ctx context.Context, id string) (*model.NotificationLog, error) {
	var row notifRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM notification_logs WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Notifications.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgNotifications) Transition(ctx context.Context, id string, to model.NotifStatus, at time.Time, providerID, errMsg string) (bool, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !model.CanTransition(cur.Status, to) {
		return false, nil
	}
	var col string
	switch to {
	case model.NotifSending:
		col = "sending_at"
	case model.NotifSent:
		col = "sent_at"
	case model.NotifDelivered:
		col = "delivered_at"
	case model.NotifFailed:
		col = "failed_at"
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE notification_logs SET status=$1, `+col+`=$2, provider_id=$3, error=$4 WHERE id=$5 AND status=$6`,
		to, at, nullString(providerID), nullString(errMsg), id, cur.Status)
	if err != nil {
		return false, wrapExec("store.pg.Notifications.Transition", err)
	}
	return true, nil
}

func (s pgNotifications) ByIncident(ctx context.Context, incidentID string) ([]model.NotificationLog, error) {
	var rows []notifRow
	if err := s.q.SelectContext(ctx, &rows, `SELECT * FROM notification_logs WHERE incident_id=$1 ORDER BY queued_at`, incidentID); err != nil {
		return nil, wrapExec("store.pg.Notifications.ByIncident", err)
	}
	out := make([]model.NotificationLog, len(rows))
	for i, r := range rows {
		out[i] = *r.toModel()
	}
	return out, nil
}

type pgIntegrations struct{ q queryer }

func (s pgIntegrations) Get(ctx context.Context, id string) (*model.Integration, error) {
	var row integrationRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM integrations WHERE id=$1`, id); err != nil {
		return nil, wrapGet("store.pg.Integrations.Get", id, err)
	}
	return row.toModel(), nil
}

func (s pgIntegrations) GetByName(ctx context.Context, name string) (*model.Integration, error) {
	var row integrationRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM integrations WHERE name=$1`, name); err != nil {
		return nil, wrapGet("store.pg.Integrations.GetByName", name, err)
	}
	return row.toModel(), nil
}

func (s pgIntegrations) SeenIdempotencyKey(ctx context.Context, integrationID, key string, within time.Duration) (string, bool, error) {
	var alertID string
	err := s.q.GetContext(ctx, &alertID, `
		SELECT alert_id FROM idempotency_keys
		WHERE integration_id=$1 AND key=$2 AND created_at >= $3`,
		integrationID, key, time.Now().Add(-within))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapExec("store.pg.Integrations.SeenIdempotencyKey", err)
	}
	return alertID, true, nil
}

func (s pgIntegrations) RecordIdempotencyKey(ctx context.Context, integrationID, key, alertID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (integration_id, key, alert_id, created_at)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (integration_id, key) DO NOTHING`, integrationID, key, alertID)
	return wrapExec("store.pg.Integrations.RecordIdempotencyKey", err)
}

type pgDeliveries struct{ q queryer }

func (s pgDeliveries) Create(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, integration_id, status_code, latency_ms, body_bytes, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, d.ID, d.IntegrationID, d.StatusCode, d.LatencyMS, d.BodyBytes, d.ReceivedAt)
	return wrapExec("store.pg.Deliveries.Create", err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func wrapExec(op string, err error) error {
	if err == nil {
		return nil
	}
	if isSerializationFailure(err) {
		return ConflictError(op, err)
	}
	if isUniqueViolation(err) {
		return errs.New(op, errs.ClassConflict, err)
	}
	return errs.New(op, errs.ClassInternal, err)
}

func wrapGet(op, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(op, id)
	}
	return errs.New(op, errs.ClassInternal, err)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
