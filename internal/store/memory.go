package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// Memory is an in-memory Store adapter used by unit and pipeline tests. It
// honors Serializable semantics with a process-wide lock per fingerprint,
// matching the re-architecture note in spec §9: "Store is an interface; a
// production adapter wraps SQL, tests use an in-memory adapter that honors
// serializable semantics by a process-wide lock per-fingerprint."
type Memory struct {
	mu sync.Mutex

	alerts         map[string]*model.Alert
	incidents      map[string]*model.Incident
	services       map[string]*model.Service
	servicesByKey  map[string]string
	teams          map[string]*model.Team
	members        map[string][]model.TeamMember
	defaultPolicy  map[string]string // teamID -> policyID
	tagToTeam      map[string]string
	users          map[string]*model.User
	schedules      map[string]*model.Schedule
	scheduleByTeam map[string]string
	policies       map[string]*model.EscalationPolicy
	workflows      map[string]*model.Workflow
	versions       map[string][]model.WorkflowVersion
	executions     map[string]*model.WorkflowExecution
	notifications  map[string]*model.NotificationLog
	integrations   map[string]*model.Integration
	idempotency    map[string]idemEntry
	deliveries     []model.WebhookDelivery

	fingerprintLocks map[string]*sync.Mutex
}

type idemEntry struct {
	alertID string
	at      time.Time
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		alerts:           map[string]*model.Alert{},
		incidents:        map[string]*model.Incident{},
		services:         map[string]*model.Service{},
		servicesByKey:    map[string]string{},
		teams:            map[string]*model.Team{},
		members:          map[string][]model.TeamMember{},
		defaultPolicy:    map[string]string{},
		tagToTeam:        map[string]string{},
		users:            map[string]*model.User{},
		schedules:        map[string]*model.Schedule{},
		scheduleByTeam:   map[string]string{},
		policies:         map[string]*model.EscalationPolicy{},
		workflows:        map[string]*model.Workflow{},
		versions:         map[string][]model.WorkflowVersion{},
		executions:       map[string]*model.WorkflowExecution{},
		notifications:    map[string]*model.NotificationLog{},
		integrations:     map[string]*model.Integration{},
		idempotency:      map[string]idemEntry{},
		fingerprintLocks: map[string]*sync.Mutex{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Alerts() AlertStore               { return memAlerts{m} }
func (m *Memory) Incidents() IncidentStore         { return memIncidents{m} }
func (m *Memory) Services() ServiceStore           { return memServices{m} }
func (m *Memory) Teams() TeamStore                 { return memTeams{m} }
func (m *Memory) Schedules() ScheduleStore         { return memSchedules{m} }
func (m *Memory) Policies() PolicyStore            { return memPolicies{m} }
func (m *Memory) Workflows() WorkflowStore         { return memWorkflows{m} }
func (m *Memory) Notifications() NotificationStore { return memNotifications{m} }
func (m *Memory) Integrations() IntegrationStore   { return memIntegrations{m} }
func (m *Memory) Deliveries() DeliveryStore        { return memDeliveries{m} }

type memTx struct{ m *Memory }

func (t memTx) Alerts() AlertStore               { return t.m.Alerts() }
func (t memTx) Incidents() IncidentStore         { return t.m.Incidents() }
func (t memTx) Services() ServiceStore           { return t.m.Services() }
func (t memTx) Teams() TeamStore                 { return t.m.Teams() }
func (t memTx) Schedules() ScheduleStore         { return t.m.Schedules() }
func (t memTx) Policies() PolicyStore            { return t.m.Policies() }
func (t memTx) Workflows() WorkflowStore         { return t.m.Workflows() }
func (t memTx) Notifications() NotificationStore { return t.m.Notifications() }
func (t memTx) Integrations() IntegrationStore   { return t.m.Integrations() }
func (t memTx) Deliveries() DeliveryStore        { return t.m.Deliveries() }

func (m *Memory) lockFor(fingerprint string) *sync.Mutex {
	m.mu.Lock()
	l, ok := m.fingerprintLocks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		m.fingerprintLocks[fingerprint] = l
	}
	m.mu.Unlock()
	return l
}

// WithTx implements Store. The in-memory adapter is single-writer: the
// whole store is locked for the duration of the transaction, which is a
// stronger guarantee than Serializable requires but never weaker.
func (m *Memory) WithTx(ctx context.Context, level IsolationLevel, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, memTx{m: m})
}

// WithFingerprintTx additionally takes a per-fingerprint lock before the
// store-wide lock, so tests can assert that two concurrent dedup attempts
// for the SAME fingerprint serialize realistically (the store-wide lock
// alone would already force that, but the dedicated lock documents the
// invariant spec §9 calls out and lets a future sharded Memory adapter drop
// the store-wide lock without losing correctness).
func (m *Memory) WithFingerprintTx(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx Tx) error) error {
	fl := m.lockFor(fingerprint)
	fl.Lock()
	defer fl.Unlock()
	return m.WithTx(ctx, Serializable, fn)
}

// ---------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------

type memAlerts struct{ m *Memory }

func (s memAlerts) Create(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	s.m.alerts[a.ID] = &cp
	return nil
}

func (s memAlerts) Get(ctx context.Context, id string) (*model.Alert, error) {
	a, ok := s.m.alerts[id]
	if !ok {
		return nil, errs.NotFound("store.Alerts.Get", id)
	}
	cp := *a
	return &cp, nil
}

func (s memAlerts) GetByExternalID(ctx context.Context, integrationID, externalID string) (*model.Alert, error) {
	if externalID == "" {
		return nil, errs.NotFound("store.Alerts.GetByExternalID", externalID)
	}
	for _, a := range s.m.alerts {
		if a.IntegrationID == integrationID && a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errs.NotFound("store.Alerts.GetByExternalID", externalID)
}

func (s memAlerts) SetIncident(ctx context.Context, alertID, incidentID string) error {
	a, ok := s.m.alerts[alertID]
	if !ok {
		return errs.NotFound("store.Alerts.SetIncident", alertID)
	}
	a.IncidentID = incidentID
	return nil
}

func (s memAlerts) CountByIncident(ctx context.Context, incidentID string) (int, error) {
	n := 0
	for _, a := range s.m.alerts {
		if a.IncidentID == incidentID {
			n++
		}
	}
	return n, nil
}

func (s memAlerts) AutoResolveStale(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	for _, a := range s.m.alerts {
		if a.Status == model.AlertOpen && a.ReceivedAt.Before(olderThan) {
			a.Status = model.AlertResolved
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------
// Incidents
// ---------------------------------------------------------------------

type memIncidents struct{ m *Memory }

func (s memIncidents) Create(ctx context.Context, i *model.Incident) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	cp := *i
	s.m.incidents[i.ID] = &cp
	return nil
}

func (s memIncidents) Get(ctx context.Context, id string) (*model.Incident, error) {
	i, ok := s.m.incidents[id]
	if !ok {
		return nil, errs.NotFound("store.Incidents.Get", id)
	}
	cp := *i
	return &cp, nil
}

func (s memIncidents) FindOpenByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*model.Incident, error) {
	var candidates []*model.Incident
	for _, i := range s.m.incidents {
		if i.Fingerprint != fingerprint {
			continue
		}
		if i.Status != model.IncidentOpen && i.Status != model.IncidentAcknowledged {
			continue
		}
		if i.CreatedAt.Before(since) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].CreatedAt.After(candidates[b].CreatedAt) })
	cp := *candidates[0]
	return &cp, nil
}

func (s memIncidents) IncrementAlertCount(ctx context.Context, id string) error {
	i, ok := s.m.incidents[id]
	if !ok {
		return errs.NotFound("store.Incidents.IncrementAlertCount", id)
	}
	i.AlertCount++
	return nil
}

func (s memIncidents) CompareAndSetStatus(ctx context.Context, id string, from, to model.IncidentStatus, at time.Time) (bool, error) {
	i, ok := s.m.incidents[id]
	if !ok {
		return false, errs.NotFound("store.Incidents.CompareAndSetStatus", id)
	}
	if i.Status != from {
		return false, nil
	}
	i.Status = to
	switch to {
	case model.IncidentAcknowledged:
		t := at
		i.AcknowledgedAt = &t
	case model.IncidentResolved:
		t := at
		i.ResolvedAt = &t
	}
	return true, nil
}

func (s memIncidents) AdvanceLevel(ctx context.Context, id string, level, repeat int) error {
	i, ok := s.m.incidents[id]
	if !ok {
		return errs.NotFound("store.Incidents.AdvanceLevel", id)
	}
	i.CurrentLevel = level
	i.CurrentRepeat = repeat
	return nil
}

func (s memIncidents) Assign(ctx context.Context, id, userID string) error {
	i, ok := s.m.incidents[id]
	if !ok {
		return errs.NotFound("store.Incidents.Assign", id)
	}
	i.AssignedUserID = userID
	return nil
}

// ---------------------------------------------------------------------
// Services / Teams
// ---------------------------------------------------------------------

type memServices struct{ m *Memory }

func (s memServices) Get(ctx context.Context, id string) (*model.Service, error) {
	v, ok := s.m.services[id]
	if !ok {
		return nil, errs.NotFound("store.Services.Get", id)
	}
	cp := *v
	return &cp, nil
}

func (s memServices) GetByRoutingKey(ctx context.Context, key string) (*model.Service, error) {
	id, ok := s.m.servicesByKey[key]
	if !ok {
		return nil, errs.NotFound("store.Services.GetByRoutingKey", key)
	}
	return s.Get(ctx, id)
}

type memTeams struct{ m *Memory }

func (s memTeams) Get(ctx context.Context, id string) (*model.Team, error) {
	v, ok := s.m.teams[id]
	if !ok {
		return nil, errs.NotFound("store.Teams.Get", id)
	}
	cp := *v
	return &cp, nil
}

func (s memTeams) Members(ctx context.Context, teamID string) ([]model.TeamMember, error) {
	return append([]model.TeamMember{}, s.m.members[teamID]...), nil
}

func (s memTeams) DefaultPolicy(ctx context.Context, teamID string) (*model.EscalationPolicy, error) {
	id, ok := s.m.defaultPolicy[teamID]
	if !ok {
		return nil, errs.NotFound("store.Teams.DefaultPolicy", teamID)
	}
	return memPolicies{s.m}.Get(ctx, id)
}

func (s memTeams) ResolveByTag(ctx context.Context, tag string) (*model.Team, error) {
	id, ok := s.m.tagToTeam[tag]
	if !ok {
		return nil, errs.NotFound("store.Teams.ResolveByTag", tag)
	}
	return s.Get(ctx, id)
}

func (s memTeams) User(ctx context.Context, userID string) (*model.User, error) {
	u, ok := s.m.users[userID]
	if !ok {
		return nil, errs.NotFound("store.Teams.User", userID)
	}
	cp := *u
	return &cp, nil
}

// ---------------------------------------------------------------------
// Schedules / Policies
// ---------------------------------------------------------------------

type memSchedules struct{ m *Memory }

func (s memSchedules) Get(ctx context.Context, id string) (*model.Schedule, error) {
	v, ok := s.m.schedules[id]
	if !ok {
		return nil, errs.NotFound("store.Schedules.Get", id)
	}
	cp := *v
	return &cp, nil
}

func (s memSchedules) GetForTeam(ctx context.Context, teamID string) (*model.Schedule, error) {
	id, ok := s.m.scheduleByTeam[teamID]
	if !ok {
		return nil, errs.NotFound("store.Schedules.GetForTeam", teamID)
	}
	return s.Get(ctx, id)
}

type memPolicies struct{ m *Memory }

func (s memPolicies) Get(ctx context.Context, id string) (*model.EscalationPolicy, error) {
	v, ok := s.m.policies[id]
	if !ok {
		return nil, errs.NotFound("store.Policies.Get", id)
	}
	cp := *v
	return &cp, nil
}

// ---------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------

type memWorkflows struct{ m *Memory }

func (s memWorkflows) Create(ctx context.Context, w *model.Workflow) error {
	if _, exists := s.m.workflows[w.ID]; exists {
		return errs.New("store.Workflows.Create", errs.ClassConflict, nil)
	}
	cp := *w
	s.m.workflows[w.ID] = &cp
	return nil
}

func (s memWorkflows) Get(ctx context.Context, id string) (*model.Workflow, error) {
	v, ok := s.m.workflows[id]
	if !ok {
		return nil, errs.NotFound("store.Workflows.Get", id)
	}
	cp := *v
	return &cp, nil
}

func (s memWorkflows) EnabledForScope(ctx context.Context, teamID string) ([]model.Workflow, error) {
	var out []model.Workflow
	for _, w := range s.m.workflows {
		if !w.IsEnabled {
			continue
		}
		if w.ScopeType == model.ScopeGlobal || (w.ScopeType == model.ScopeTeam && w.TeamID == teamID) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s memWorkflows) GetVersion(ctx context.Context, workflowID string, version int) (*model.WorkflowVersion, error) {
	for _, v := range s.m.versions[workflowID] {
		if v.Version == version {
			return &v, nil
		}
	}
	return nil, errs.NotFound("store.Workflows.GetVersion", workflowID)
}

func (s memWorkflows) Versions(ctx context.Context, workflowID string) ([]model.WorkflowVersion, error) {
	return append([]model.WorkflowVersion{}, s.m.versions[workflowID]...), nil
}

func (s memWorkflows) PutVersion(ctx context.Context, v *model.WorkflowVersion) error {
	existing := s.m.versions[v.WorkflowID]
	expected := 1
	if len(existing) > 0 {
		expected = existing[len(existing)-1].Version + 1
	}
	if v.Version != expected {
		return errs.New("store.Workflows.PutVersion", errs.ClassConflict, nil)
	}
	s.m.versions[v.WorkflowID] = append(existing, *v)
	return nil
}

func (s memWorkflows) SetCurrentVersion(ctx context.Context, workflowID string, version int) error {
	w, ok := s.m.workflows[workflowID]
	if !ok {
		return errs.NotFound("store.Workflows.SetCurrentVersion", workflowID)
	}
	w.Version = version
	return nil
}

func (s memWorkflows) CreateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.m.executions[e.ID] = &cp
	return nil
}

func (s memWorkflows) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	e, ok := s.m.executions[id]
	if !ok {
		return nil, errs.NotFound("store.Workflows.GetExecution", id)
	}
	cp := *e
	return &cp, nil
}

func (s memWorkflows) UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	if _, ok := s.m.executions[e.ID]; !ok {
		return errs.NotFound("store.Workflows.UpdateExecution", e.ID)
	}
	cp := *e
	s.m.executions[e.ID] = &cp
	return nil
}

// ---------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------

type memNotifications struct{ m *Memory }

func (s memNotifications) Create(ctx context.Context, n *model.NotificationLog) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	cp := *n
	s.m.notifications[n.ID] = &cp
	return nil
}

func (s memNotifications) Get(ctx context.Context, id string) (*model.NotificationLog, error) {
	n, ok := s.m.notifications[id]
	if !ok {
		return nil, errs.NotFound("store.Notifications.Get", id)
	}
	cp := *n
	return &cp, nil
}

func (s memNotifications) Transition(ctx context.Context, id string, to model.NotifStatus, at time.Time, providerID, errMsg string) (bool, error) {
	n, ok := s.m.notifications[id]
	if !ok {
		return false, errs.NotFound("store.Notifications.Transition", id)
	}
	if !model.CanTransition(n.Status, to) {
		return false, nil
	}
	n.Status = to
	switch to {
	case model.NotifSending:
		t := at
		n.SendingAt = &t
	case model.NotifSent:
		t := at
		n.SentAt = &t
		n.ProviderID = providerID
	case model.NotifDelivered:
		t := at
		n.DeliveredAt = &t
	case model.NotifFailed:
		t := at
		n.FailedAt = &t
		n.Error = errMsg
	}
	return true, nil
}

func (s memNotifications) ByIncident(ctx context.Context, incidentID string) ([]model.NotificationLog, error) {
	var out []model.NotificationLog
	for _, n := range s.m.notifications {
		if n.IncidentID == incidentID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].QueuedAt.Before(out[b].QueuedAt) })
	return out, nil
}

// ---------------------------------------------------------------------
// Integrations / Deliveries
// ---------------------------------------------------------------------

type memIntegrations struct{ m *Memory }

func (s memIntegrations) Get(ctx context.Context, id string) (*model.Integration, error) {
	in, ok := s.m.integrations[id]
	if !ok {
		return nil, errs.NotFound("store.Integrations.Get", id)
	}
	cp := *in
	return &cp, nil
}

func (s memIntegrations) GetByName(ctx context.Context, name string) (*model.Integration, error) {
	for _, in := range s.m.integrations {
		if in.Name == name {
			cp := *in
			return &cp, nil
		}
	}
	return nil, errs.NotFound("store.Integrations.GetByName", name)
}

func (s memIntegrations) SeenIdempotencyKey(ctx context.Context, integrationID, key string, within time.Duration) (string, bool, error) {
	e, ok := s.m.idempotency[integrationID+"|"+key]
	if !ok {
		return "", false, nil
	}
	return e.alertID, true, nil
}

func (s memIntegrations) RecordIdempotencyKey(ctx context.Context, integrationID, key, alertID string) error {
	s.m.idempotency[integrationID+"|"+key] = idemEntry{alertID: alertID}
	return nil
}

type memDeliveries struct{ m *Memory }

func (s memDeliveries) Create(ctx context.Context, d *model.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.m.deliveries = append(s.m.deliveries, *d)
	return nil
}

// Seed helpers for tests, exposed directly on Memory (not part of the Store
// interface) so test setup can populate fixtures without going through a
// transaction.

func (m *Memory) PutService(svc *model.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = svc
	if svc.RoutingKey != "" {
		m.servicesByKey[svc.RoutingKey] = svc.ID
	}
}

func (m *Memory) PutTeam(t *model.Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[t.ID] = t
}

func (m *Memory) PutMember(tm model.TeamMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[tm.TeamID] = append(m.members[tm.TeamID], tm)
}

func (m *Memory) PutDefaultPolicy(teamID, policyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPolicy[teamID] = policyID
}

func (m *Memory) PutTagTeam(tag, teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagToTeam[tag] = teamID
}

func (m *Memory) PutUser(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutSchedule(s *model.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	m.scheduleByTeam[s.TeamID] = s.ID
}

func (m *Memory) PutPolicy(p *model.EscalationPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
}

func (m *Memory) PutWorkflow(w *model.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w
}

func (m *Memory) PutIntegration(i *model.Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[i.ID] = i
}
