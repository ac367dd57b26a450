package domain

import "time"

type ActionDefinition struct {
	ID                 string `json:"id" yaml:"id"`
	Label              string `json:"label" yaml:"label"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredCapability string `json:"required_capability" yaml:"capability"`
	ScreenScope        string `json:"screen_scope" yaml:"-"`
	Priority           int    `json:"priority" yaml:"priority"`
	Kind               string `json:"kind,omitempty" yaml:"kind,omitempty"`
	ActivityType       string `json:"activity_type,omitempty" yaml:"activity_type,omitempty"`
	RequiresApproval   bool   `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// ActionContext is supplied by the caller on every request and snapshotted
// into audit entries and activities.
type ActionContext struct {
	ScreenScope string         `json:"screen_scope"`
	Role        string         `json:"role"`
	ActorID     string         `json:"actor_id,omitempty"`
	PatientID   string         `json:"patient_id,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Aux         map[string]any `json:"aux,omitempty"`
}

// Subject returns the id activities are grouped under for subscriptions.
func (c ActionContext) Subject() string {
	if c.SubjectID != "" {
		return c.SubjectID
	}
	return c.PatientID
}

// Snapshot returns a copy that does not share the Aux map with the caller.
func (c ActionContext) Snapshot() ActionContext {
	out := c
	out.Aux = CloneMap(c.Aux)
	return out
}

type ExecutionResult struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	Deferred   bool           `json:"deferred,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty" enum:"unknown_action,permission_denied,invalid_transition,execution_fault,cancelled"`
	ActivityID string         `json:"activity_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	AuditID    string         `json:"audit_id,omitempty"`
}

type AuditLogEntry struct {
	ID                 string         `json:"id"`
	ActorID            string         `json:"actor_id"`
	Role               string         `json:"role"`
	ActionID           string         `json:"action_id"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	Context            ActionContext  `json:"context"`
	Timestamp          time.Time      `json:"timestamp" format:"date-time"`
	Success            bool           `json:"success"`
	Details            map[string]any `json:"details,omitempty"`
}

const (
	ActivityCall          = "call"
	ActivitySummary       = "summary"
	ActivitySchedule      = "schedule"
	ActivityReminder      = "reminder"
	ActivityFollowUp      = "follow-up"
	ActivityTranscription = "transcription"
	ActivityReferral      = "referral"
	ActivityIntake        = "intake"
)

// ActivityTypes lists the accepted values of Activity.Type.
var ActivityTypes = []string{
	ActivityCall, ActivitySummary, ActivitySchedule, ActivityReminder,
	ActivityFollowUp, ActivityTranscription, ActivityReferral, ActivityIntake,
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Activity struct {
	ID          string         `json:"id"`
	Type        string         `json:"type" enum:"call,summary,schedule,reminder,follow-up,transcription,referral,intake"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"pending,in-progress,completed,failed"`
	SubjectID   string         `json:"subject_id,omitempty"`
	ActionID    string         `json:"action_id,omitempty"`
	Attempts    int            `json:"attempts"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time      `json:"updated_at" format:"date-time"`
}

const (
	DecisionNone     = "none"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type PendingApproval struct {
	ID                 string        `json:"id"`
	ActionID           string        `json:"action_id"`
	RequiredCapability string        `json:"required_capability,omitempty"`
	RequestedBy        string        `json:"requested_by"`
	RequesterRole      string        `json:"requester_role"`
	RequestedAt        time.Time     `json:"requested_at" format:"date-time"`
	Description        string        `json:"description"`
	Context            ActionContext `json:"context"`
	Priority           int           `json:"priority"`
	Decision           string        `json:"decision" enum:"none,approved,rejected"`
	DecidedBy          string        `json:"decided_by,omitempty"`
	DecidedAt          *time.Time    `json:"decided_at,omitempty" format:"date-time"`
}

type ActionCount struct {
	ActionID string `json:"action_id"`
	Count    int    `json:"count"`
}

type Metrics struct {
	TotalActions         int           `json:"total_actions"`
	TodayActions         int           `json:"today_actions"`
	WeekActions          int           `json:"week_actions"`
	SuccessRate          float64       `json:"success_rate"`
	MostUsedActions      []ActionCount `json:"most_used_actions"`
	AverageActionsPerDay float64       `json:"average_actions_per_day"`
}

// CloneMap returns a shallow copy of m, or nil for an empty map.
func CloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
