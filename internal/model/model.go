// Package model defines the entities of the incident pipeline's data model
// (spec §3). All identifiers are opaque strings; timestamps are UTC wall
// clock values convertible to/from the injectable clock.Clock.
package model

import "time"

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertResolved AlertStatus = "RESOLVED"
)

// Alert is one event reported by a monitoring source.
type Alert struct {
	ID            string
	IntegrationID string
	Title         string
	Severity      Severity
	Status        AlertStatus
	Fingerprint   string
	Metadata      map[string]interface{}
	ExternalID    string // optional
	ReceivedAt    time.Time
	IncidentID    string // optional, set once by the Deduplicator
}

type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "OPEN"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
	IncidentClosed       IncidentStatus = "CLOSED"
)

// Incident is the merged representation of one or more Alerts sharing a
// fingerprint.
type Incident struct {
	ID                  string
	Fingerprint         string
	Status              IncidentStatus
	Priority            Severity
	TeamID              string
	EscalationPolicyID  string
	ServiceID           string // optional
	AssignedUserID      string // optional
	CurrentLevel        int    // >= 1
	CurrentRepeat       int    // >= 1
	AlertCount          int    // >= 1
	CreatedAt           time.Time
	AcknowledgedAt      *time.Time
	ResolvedAt          *time.Time
}

type ServiceStatus string

const (
	ServiceActive     ServiceStatus = "ACTIVE"
	ServiceDeprecated ServiceStatus = "DEPRECATED"
	ServiceArchived   ServiceStatus = "ARCHIVED"
)

// Service is an optional routing target.
type Service struct {
	ID                 string
	Name               string
	RoutingKey         string // unique
	TeamID             string
	EscalationPolicyID string // optional
	Status             ServiceStatus
}

type TeamRole string

const (
	RoleObserver   TeamRole = "OBSERVER"
	RoleResponder  TeamRole = "RESPONDER"
	RoleTeamAdmin  TeamRole = "TEAM_ADMIN"
)

// Team groups responders.
type Team struct {
	ID   string
	Name string
}

// TeamMember links a user to a team with a role.
type TeamMember struct {
	TeamID   string
	UserID   string
	Role     TeamRole
	JoinedAt time.Time
	Active   bool
}

// Eligible reports whether this member may be targeted by on-call routing.
func (m TeamMember) Eligible() bool {
	return m.Active && (m.Role == RoleResponder || m.Role == RoleTeamAdmin)
}

type User struct {
	ID             string
	Name           string
	Active         bool
	ContactMethods []ContactMethod
}

// ContactMethod is one verified (or pending) delivery endpoint for a user
// on a given notification channel. A user may hold more than one per
// channel (e.g. a work and a personal phone number); Verified gates
// whether the Notification Dispatcher will target it.
type ContactMethod struct {
	ID       string
	Channel  Channel
	Address  string
	Verified bool
}

// ContactsFor returns the user's verified contact methods on channel.
func (u User) ContactsFor(channel Channel) []ContactMethod {
	var out []ContactMethod
	for _, c := range u.ContactMethods {
		if c.Channel == channel && c.Verified {
			out = append(out, c)
		}
	}
	return out
}

type TargetType string

const (
	TargetUser       TargetType = "user"
	TargetSchedule   TargetType = "schedule"
	TargetEntireTeam TargetType = "entire_team"
)

// EscalationLevel is one rung of an EscalationPolicy's ladder.
type EscalationLevel struct {
	LevelNumber    int
	TargetType     TargetType
	TargetID       string // required unless TargetType == entire_team
	TimeoutMinutes int
}

// EscalationPolicy is an ordered ladder of responder targets.
type EscalationPolicy struct {
	ID          string
	TeamID      string
	Name        string
	RepeatCount int
	Levels      []EscalationLevel // ordered by LevelNumber, unique
	Active      bool
}

// MaxLevel returns the highest LevelNumber in the policy, or 0 if empty.
func (p EscalationPolicy) MaxLevel() int {
	max := 0
	for _, l := range p.Levels {
		if l.LevelNumber > max {
			max = l.LevelNumber
		}
	}
	return max
}

// Level returns the level with the given number, if present.
func (p EscalationPolicy) Level(n int) (EscalationLevel, bool) {
	for _, l := range p.Levels {
		if l.LevelNumber == n {
			return l, true
		}
	}
	return EscalationLevel{}, false
}

// Restrictions narrows when a ScheduleLayer's rotation is in effect.
type Restrictions struct {
	DaysOfWeek []time.Weekday // empty == no restriction
}

// Applies reports whether the restriction admits instant t evaluated in loc.
func (r Restrictions) Applies(t time.Time, loc *time.Location) bool {
	if len(r.DaysOfWeek) == 0 {
		return true
	}
	wd := t.In(loc).Weekday()
	for _, d := range r.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}

// ScheduleLayer is a prioritized rotation within a Schedule.
type ScheduleLayer struct {
	ID              string
	Priority        int // higher wins
	Timezone        string
	RecurrenceRule  string // cron-shaped; see internal/oncall
	StartDate       time.Time
	RotationUserIDs []string // ordered
	Restrictions    Restrictions
}

// ScheduleOverride always dominates layers/base rotation for its window.
type ScheduleOverride struct {
	ID        string
	ScheduleID string
	UserID    string
	Start     time.Time
	End       time.Time // exclusive
	Reason    string
}

// Contains reports whether t falls in [Start, End).
func (o ScheduleOverride) Contains(t time.Time) bool {
	return !t.Before(o.Start) && t.Before(o.End)
}

// Schedule is a timezone-aware rotating on-call rota.
type Schedule struct {
	ID              string
	TeamID          string
	Name            string
	Timezone        string
	StartDate       time.Time
	RecurrenceRule  string
	RotationUserIDs []string
	IsActive        bool
	Layers          []ScheduleLayer // by priority, highest first when sorted
	Overrides       []ScheduleOverride
}

type WorkflowScope string

const (
	ScopeTeam   WorkflowScope = "team"
	ScopeGlobal WorkflowScope = "global"
)

// NodeKind distinguishes workflow DAG node roles.
type NodeKind string

const (
	NodeTrigger   NodeKind = "trigger"
	NodeAction    NodeKind = "action"
	NodeCondition NodeKind = "condition"
)

// FailureMode controls what an action node does when it finally fails.
type FailureMode string

const (
	OnFailureStop     FailureMode = "stop"
	OnFailureContinue FailureMode = "continue"
)

// Condition is a single AND-ed predicate evaluated against a dotted path
// into the incident/metadata.
type Condition struct {
	Field string
	Op    string // "equals" is the only operator spec.md defines
	Value interface{}
}

// RetryConfig configures a workflow action node's retry behavior.
type RetryConfig struct {
	Attempts      int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// WorkflowNode is one node of a workflow's DAG.
type WorkflowNode struct {
	ID          string
	Kind        NodeKind
	ActionType  string // e.g. "webhook", "ticket.jira", "notify.slack"
	Params      map[string]interface{}
	Conditions  []Condition
	OnFailure   FailureMode
	Retry       RetryConfig
	TimeoutSecs int
}

// WorkflowEdge connects two nodes, optionally gated by which branch of a
// condition node it represents ("true"/"false"), empty for unconditional.
type WorkflowEdge struct {
	From   string
	To     string
	Branch string
}

// WorkflowTrigger describes what lifecycle event causes a workflow to fire.
type WorkflowTrigger struct {
	EventType      string // e.g. "incident.created", "state_changed", "note_added"
	Conditions     []Condition
	StateChangeTo  string // only checked when EventType == "state_changed"
}

// Definition is the DAG body of a workflow version: nodes + edges + the
// trigger that activates it.
type Definition struct {
	Trigger WorkflowTrigger
	Nodes   []WorkflowNode
	Edges   []WorkflowEdge
}

// Workflow is the live, mutable workflow header; its content lives in
// WorkflowVersion snapshots.
type Workflow struct {
	ID          string
	Name        string
	Description string
	ScopeType   WorkflowScope
	TeamID      string // required iff ScopeType == team
	IsEnabled   bool
	Version     int // current version number, >= 1
}

// WorkflowVersion is an append-only immutable snapshot of a workflow's
// definition.
type WorkflowVersion struct {
	WorkflowID string
	Version    int
	Definition Definition
	ChangeNote string
	CreatedAt  time.Time
}

type TriggeredBy string

const (
	TriggeredByEvent  TriggeredBy = "event"
	TriggeredByManual TriggeredBy = "manual"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecCancelled ExecutionStatus = "CANCELLED"
)

// CompletedNode records the outcome of one executed DAG node.
type CompletedNode struct {
	NodeID string
	Status string // "completed" | "failed" | "skipped"
	Result map[string]interface{}
	Error  string
}

// WorkflowExecution is one run of a workflow's definitionSnapshot.
type WorkflowExecution struct {
	ID                 string
	WorkflowID         string
	WorkflowVersion    int
	DefinitionSnapshot Definition
	IncidentID         string // optional
	TriggeredBy        TriggeredBy
	TriggerEvent       string
	ExecutionChain     []string // workflow ids triggered so far in this chain
	Status             ExecutionStatus
	StartedAt          *time.Time
	CompletedAt        *time.Time
	FailedAt           *time.Time
	Error              string
	CompletedNodes     []CompletedNode
	CancelRequested    bool
}

type NotifTier string

const (
	TierPrimary   NotifTier = "primary"
	TierSecondary NotifTier = "secondary"
	TierTertiary  NotifTier = "tertiary"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelChat  Channel = "chat"
	ChannelPush  Channel = "push"
)

// TierChannels returns the channel set dispatched for a tier, per spec §4.5.
func TierChannels(t NotifTier) []Channel {
	switch t {
	case TierPrimary:
		return []Channel{ChannelEmail, ChannelChat, ChannelPush}
	case TierSecondary:
		return []Channel{ChannelSMS}
	case TierTertiary:
		return []Channel{ChannelVoice}
	default:
		return nil
	}
}

// NextTier returns the tier the dispatcher escalates to on failure, and
// whether one exists.
func NextTier(t NotifTier) (NotifTier, bool) {
	switch t {
	case TierPrimary:
		return TierSecondary, true
	case TierSecondary:
		return TierTertiary, true
	default:
		return "", false
	}
}

type NotifStatus string

const (
	NotifQueued    NotifStatus = "QUEUED"
	NotifSending   NotifStatus = "SENDING"
	NotifSent      NotifStatus = "SENT"
	NotifDelivered NotifStatus = "DELIVERED"
	NotifFailed    NotifStatus = "FAILED"
)

// notifRank gives the monotone lattice position of a status; DELIVERED and
// FAILED are terminal.
var notifRank = map[NotifStatus]int{
	NotifQueued:    0,
	NotifSending:   1,
	NotifSent:      2,
	NotifDelivered: 3,
	NotifFailed:    4,
}

// CanTransition reports whether a NotificationLog may move from `from` to
// `to` under the monotone status rule (§8): forward along {QUEUED ->
// SENDING -> SENT -> DELIVERED}, with FAILED reachable (and terminal) from
// any non-terminal state, and DELIVERED terminal.
func CanTransition(from, to NotifStatus) bool {
	if from == NotifDelivered || from == NotifFailed {
		return false
	}
	if to == NotifFailed {
		return true
	}
	return notifRank[to] > notifRank[from]
}

// NotificationLog tracks one channel delivery attempt for one incident
// escalation level.
type NotificationLog struct {
	ID              string
	IncidentID      string
	UserID          string
	Channel         Channel
	EscalationLevel int
	Tier            NotifTier
	Status          NotifStatus
	ProviderID      string
	Error           string
	QueuedAt        time.Time
	SendingAt       *time.Time
	SentAt          *time.Time
	DeliveredAt     *time.Time
	FailedAt        *time.Time
}

// WebhookDelivery records the outcome of an inbound webhook request for
// audit/debugging purposes, regardless of ingestion outcome.
type WebhookDelivery struct {
	ID            string
	IntegrationID string
	StatusCode    int
	LatencyMS     int64
	BodyBytes     int
	ReceivedAt    time.Time
}

// Integration configures an inbound webhook source.
type Integration struct {
	ID                 string
	Name               string
	Active             bool
	Provider           string // e.g. "datadog", "prometheus", "generic"
	Secret             string
	SignatureHeader    string
	SignatureAlgorithm string // "sha256" | "sha1"
	SignatureFormat    string // "hex" | "base64"
	DefaultServiceID   string
	DedupeWindowMin    int // clamped [1,120], default 15
}
