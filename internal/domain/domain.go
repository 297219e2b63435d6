package domain

// Instance states. Filed is reachable only for templates that require a
// regulatory filing; cancellation is terminal and never deletes the row.
const (
	StatePreparation = "preparation"
	StateReview      = "review"
	StateApproval    = "approval"
	StateFiled       = "filed"
	StateException   = "exception"
	StateCancelled   = "cancelled"
)

// Deadline anchors and walk directions on a template's deadline rule.
const (
	AnchorPeriodStart = "period_start"
	AnchorPeriodEnd   = "period_end"

	DirectionBefore = "before"
	DirectionAfter  = "after"
)

// Exception reason taxonomy. Every exception entry carries one of these.
const (
	ReasonUnassignedRole     = "unassigned_role"
	ReasonMissingEvidence    = "missing_evidence"
	ReasonDeadlineConflict   = "deadline_conflict"
	ReasonReassignmentNeeded = "reassignment_needed"
)

// Generation run statuses.
const (
	RunPending   = "pending"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Calendar struct {
	ID          string   `json:"id"`
	Country     string   `json:"country"`
	Year        int      `json:"year"`
	Version     int      `json:"version"`
	Holidays    []string `json:"holidays"`
	// HolidayLabels maps a holiday date to its display name, when one
	// was supplied at publish time.
	HolidayLabels map[string]string `json:"holiday_labels,omitempty"`
	PublishedAt   string            `json:"published_at" format:"date-time"`
}

type StageDef struct {
	Seq         int    `json:"seq"`
	Stage       string `json:"stage" enum:"preparation,review,approval,filed"`
	RoleBinding string `json:"role_binding"`
	Evidence    string `json:"evidence,omitempty"`
}

type TaskTemplate struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	Name           string     `json:"name"`
	Version        int        `json:"version"`
	Active         bool       `json:"active"`
	Anchor         string     `json:"anchor" enum:"period_start,period_end"`
	OffsetWorkdays int        `json:"offset_workdays"`
	Direction      string     `json:"direction" enum:"before,after"`
	RequiresFiling bool       `json:"requires_filing"`
	Stages         []StageDef `json:"stages"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
}

type StageAssignment struct {
	Stage       string  `json:"stage" enum:"preparation,review,approval,filed"`
	RoleBinding string  `json:"role_binding"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Evidence    string  `json:"evidence,omitempty"`
}

type TaskInstance struct {
	ID              string            `json:"id"`
	Fingerprint     string            `json:"fingerprint"`
	TemplateID      string            `json:"template_id"`
	Category        string            `json:"category"`
	TemplateVersion int               `json:"template_version"`
	Period          string            `json:"period"`
	Seq             int               `json:"seq"`
	Deadline        string            `json:"deadline" format:"date"`
	State           string            `json:"state" enum:"preparation,review,approval,filed,exception,cancelled"`
	ResumeState     *string           `json:"resume_state,omitempty"`
	Assignments     []StageAssignment `json:"assignments"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
	ClosedAt        *string           `json:"closed_at,omitempty" format:"date-time"`
}

type ExceptionEntry struct {
	ID         int64   `json:"id"`
	InstanceID string  `json:"instance_id"`
	Reason     string  `json:"reason" enum:"unassigned_role,missing_evidence,deadline_conflict,reassignment_needed"`
	Note       string  `json:"note,omitempty"`
	RaisedBy   string  `json:"raised_by"`
	RaisedAt   string  `json:"raised_at" format:"date-time"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type GenerationRun struct {
	Fingerprint     string  `json:"fingerprint"`
	Period          string  `json:"period"`
	CalendarID      string  `json:"calendar_id"`
	CalendarVersion int     `json:"calendar_version"`
	TemplateSet     string  `json:"template_set"`
	Status          string  `json:"status" enum:"pending,completed,failed"`
	InstanceCount   int     `json:"instance_count"`
	ActorID         string  `json:"actor_id"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Period     string `json:"period,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Employee struct {
	Code       string `json:"code"`
	UserID     string `json:"user_id"`
	Department string `json:"department,omitempty"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TerminalState reports whether no further workflow transition is allowed.
func TerminalState(state string) bool {
	return state == StateFiled || state == StateCancelled
}

// ValidExceptionReason checks a reason code against the fixed taxonomy.
func ValidExceptionReason(reason string) bool {
	switch reason {
	case ReasonUnassignedRole, ReasonMissingEvidence, ReasonDeadlineConflict, ReasonReassignmentNeeded:
		return true
	}
	return false
}
