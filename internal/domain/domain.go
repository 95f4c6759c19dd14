package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is fixed width so that lexical order matches time order in SQL.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

const (
	AgentActive  = "active"
	AgentStale   = "stale"
	AgentUnknown = "unknown"
)

const (
	JobQueued        = "queued"
	JobInProgress    = "in_progress"
	JobCompleted     = "completed"
	JobFailed        = "failed"
	JobNeedsRevision = "needs_revision"
)

// IsTerminalJobStatus reports whether a completion may set status.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobNeedsRevision:
		return true
	}
	return false
}

type Agent struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Tenant        string  `json:"tenant"`
	Host          string  `json:"host,omitempty"`
	Version       string  `json:"version,omitempty"`
	Status        string  `json:"status" enum:"active,stale,unknown"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status" enum:"queued,in_progress,completed,failed,needs_revision"`
	AgentID   *string         `json:"agent_id,omitempty"`
	Attempts  int             `json:"attempts"`
	Output    json.RawMessage `json:"output,omitempty"`
	ClaimedAt *string         `json:"claimed_at,omitempty" format:"date-time"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type Result struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// Totals counts jobs per status.
type Totals struct {
	Queued        int `json:"queued"`
	InProgress    int `json:"in_progress"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	NeedsRevision int `json:"needs_revision"`
}

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	StagePlan     = "plan"
	StageGates    = "gates"
	StageEvaluate = "evaluate"
	StagePromote  = "promote"
	StageFailed   = "failed"
	StageDone     = "done"
)

const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskError   = "error"
)

type Intent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority" enum:"low,medium,high,urgent"`
}

type Task struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Tool     string         `json:"tool"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Expected string         `json:"expected,omitempty"`
	Status   string         `json:"status" enum:"queued,running,done,error"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type Plan struct {
	ID        string         `json:"id"`
	Intent    Intent         `json:"intent"`
	Tasks     []Task         `json:"tasks"`
	Stage     string         `json:"stage" enum:"plan,gates,evaluate,promote,failed,done"`
	Evidence  map[string]any `json:"evidence"`
	Pass      int            `json:"pass"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

const (
	GatePass = "pass"
	GateHold = "hold"
	GateFail = "fail"
)

type GateDecision struct {
	Gate      string         `json:"gate"`
	Status    string         `json:"status" enum:"pass,hold,fail"`
	Reasons   []string       `json:"reasons"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Owner     string         `json:"owner"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}

type PromotionResult struct {
	PlanID        string `json:"plan_id"`
	Promoted      bool   `json:"promoted"`
	Reason        string `json:"reason"`
	RollbackToken string `json:"rollback_token,omitempty"`
	Stage         string `json:"stage"`
	Pass          int    `json:"pass"`
	ApprovalID    string `json:"approval_id,omitempty"`
}

const (
	ApprovalPending      = "pending"
	ApprovalApproved     = "approved"
	ApprovalNeedsChanges = "needs_changes"
	ApprovalRejected     = "rejected"
)

const (
	NextProceed = "proceed_to_build"
	NextRevise  = "revise_and_resubmit"
	NextEnd     = "terminate"
)

type ApprovalRequest struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SubjectID  string          `json:"subject_id"`
	Content    json.RawMessage `json:"content"`
	Status     string          `json:"status" enum:"pending,approved,needs_changes,rejected"`
	Feedback   string          `json:"feedback,omitempty"`
	NextAction string          `json:"next_action,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	DecidedAt  *string         `json:"decided_at,omitempty" format:"date-time"`
}

type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Feedback   string `json:"feedback,omitempty"`
	NextAction string `json:"next_action"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
