// Package store defines the transactional persistence interface shared by
// every pipeline component, plus a production Postgres adapter and an
// in-memory adapter used by tests. Any multi-row mutation happens inside a
// Tx; deduplication and other compare-and-modify operations whose invariant
// spans rows run at Serializable isolation, per spec §5/§9.
package store

import (
	"context"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// IsolationLevel mirrors the SQL standard levels the Store honors.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	Serializable
)

// Tx is a transactional handle. All reads/writes inside a WithTx callback
// must go through the Tx, not the outer Store, so they observe the
// transaction's own isolation snapshot.
type Tx interface {
	Alerts() AlertStore
	Incidents() IncidentStore
	Services() ServiceStore
	Teams() TeamStore
	Schedules() ScheduleStore
	Policies() PolicyStore
	Workflows() WorkflowStore
	Notifications() NotificationStore
	Integrations() IntegrationStore
	Deliveries() DeliveryStore
}

// Store is the root persistence handle. WithTx runs fn inside a transaction
// at the requested isolation level, committing on nil return and rolling
// back otherwise. A Serializable transaction that loses a write-write race
// returns an error classified errs.ClassConflict; callers retry per spec
// §4.2 (exponential backoff, base 100ms, up to 3 attempts).
type Store interface {
	WithTx(ctx context.Context, level IsolationLevel, fn func(ctx context.Context, tx Tx) error) error

	// Read-only convenience accessors usable outside a transaction, for
	// reads that don't need a consistency guarantee spanning rows.
	Alerts() AlertStore
	Incidents() IncidentStore
	Services() ServiceStore
	Teams() TeamStore
	Schedules() ScheduleStore
	Policies() PolicyStore
	Workflows() WorkflowStore
	Notifications() NotificationStore
	Integrations() IntegrationStore
	Deliveries() DeliveryStore

	Close() error
}

type AlertStore interface {
	Create(ctx context.Context, a *model.Alert) error
	Get(ctx context.Context, id string) (*model.Alert, error)
	GetByExternalID(ctx context.Context, integrationID, externalID string) (*model.Alert, error)
	SetIncident(ctx context.Context, alertID, incidentID string) error
	CountByIncident(ctx context.Context, incidentID string) (int, error)
	AutoResolveStale(ctx context.Context, olderThan time.Time) (int, error)
}

type IncidentStore interface {
	Create(ctx context.Context, i *model.Incident) error
	Get(ctx context.Context, id string) (*model.Incident, error)
	// FindOpenByFingerprint returns the OPEN/ACKNOWLEDGED incident for
	// fingerprint created at or after since, if one exists. Must be called
	// inside a Serializable Tx for the dedup guarantee to hold.
	FindOpenByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*model.Incident, error)
	IncrementAlertCount(ctx context.Context, id string) error
	// CompareAndSetStatus performs `UPDATE ... SET status=to WHERE id=? AND
	// status=from`, returning ok=false (not an error) when another writer
	// won the race, per the ack/resolve CAS discipline of spec §4.4.
	CompareAndSetStatus(ctx context.Context, id string, from, to model.IncidentStatus, at time.Time) (ok bool, err error)
	AdvanceLevel(ctx context.Context, id string, level, repeat int) error
	Assign(ctx context.Context, id, userID string) error
}

type ServiceStore interface {
	Get(ctx context.Context, id string) (*model.Service, error)
	GetByRoutingKey(ctx context.Context, key string) (*model.Service, error)
}

type TeamStore interface {
	Get(ctx context.Context, id string) (*model.Team, error)
	Members(ctx context.Context, teamID string) ([]model.TeamMember, error)
	DefaultPolicy(ctx context.Context, teamID string) (*model.EscalationPolicy, error)
	ResolveByTag(ctx context.Context, tag string) (*model.Team, error)
	User(ctx context.Context, userID string) (*model.User, error)
}

type ScheduleStore interface {
	Get(ctx context.Context, id string) (*model.Schedule, error)
	GetForTeam(ctx context.Context, teamID string) (*model.Schedule, error)
}

type PolicyStore interface {
	Get(ctx context.Context, id string) (*model.EscalationPolicy, error)
}

type WorkflowStore interface {
	Create(ctx context.Context, w *model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	EnabledForScope(ctx context.Context, teamID string) ([]model.Workflow, error)
	GetVersion(ctx context.Context, workflowID string, version int) (*model.WorkflowVersion, error)
	Versions(ctx context.Context, workflowID string) ([]model.WorkflowVersion, error)
	// PutVersion appends a new version; version must equal the prior max+1.
	PutVersion(ctx context.Context, v *model.WorkflowVersion) error
	SetCurrentVersion(ctx context.Context, workflowID string, version int) error

	CreateExecution(ctx context.Context, e *model.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error
}

type NotificationStore interface {
	Create(ctx context.Context, n *model.NotificationLog) error
	Get(ctx context.Context, id string) (*model.NotificationLog, error)
	// Transition applies a monotone status change; returns ok=false if the
	// requested transition is not forward-legal (late duplicate event).
	Transition(ctx context.Context, id string, to model.NotifStatus, at time.Time, providerID, errMsg string) (ok bool, err error)
	ByIncident(ctx context.Context, incidentID string) ([]model.NotificationLog, error)
}

type IntegrationStore interface {
	Get(ctx context.Context, id string) (*model.Integration, error)
	GetByName(ctx context.Context, name string) (*model.Integration, error)
	SeenIdempotencyKey(ctx context.Context, integrationID, key string, within time.Duration) (alertID string, seen bool, err error)
	RecordIdempotencyKey(ctx context.Context, integrationID, key, alertID string) error
}

type DeliveryStore interface {
	Create(ctx context.Context, d *model.WebhookDelivery) error
}

// FingerprintTxer is implemented by adapters that can offer a
// fingerprint-scoped serializable transaction to the Deduplicator. The
// Postgres adapter's Serializable isolation already provides the guarantee
// database-wide, so it implements this by delegating straight to WithTx;
// the in-memory adapter additionally takes a per-fingerprint lock (see
// internal/store/memory.go) to make contention on a single fingerprint
// observable in tests without serializing unrelated fingerprints.
type FingerprintTxer interface {
	WithFingerprintTx(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx Tx) error) error
}

// ConflictError wraps a serialization failure detected by the underlying
// driver (e.g. Postgres SQLSTATE 40001) into the errs.ClassConflict bucket.
func ConflictError(op string, err error) error {
	return errs.New(op, errs.ClassConflict, err)
}
