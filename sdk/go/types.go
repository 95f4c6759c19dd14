package jobgatesdk

import "encoding/json"

// Job mirrors the API job model.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	AgentID   *string         `json:"agent_id,omitempty"`
	Attempts  int             `json:"attempts"`
	Output    json.RawMessage `json:"output,omitempty"`
	ClaimedAt *string         `json:"claimed_at,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type Result struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type Totals struct {
	Queued        int `json:"queued"`
	InProgress    int `json:"in_progress"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	NeedsRevision int `json:"needs_revision"`
}

type EnqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type UnblockResponse struct {
	Requeued         int      `json:"requeued"`
	JobIDs           []string `json:"job_ids"`
	OlderThanSeconds int      `json:"older_than_seconds"`
}

type AgentRegistration struct {
	Name    string `json:"name"`
	Tenant  string `json:"tenant,omitempty"`
	Host    string `json:"host,omitempty"`
	Version string `json:"version,omitempty"`
}

// Registration is the register response; HeartbeatInterval is in seconds.
type Registration struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Tenant            string `json:"tenant"`
	Status            string `json:"status"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

type Agent struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Tenant        string  `json:"tenant"`
	Host          string  `json:"host,omitempty"`
	Version       string  `json:"version,omitempty"`
	Status        string  `json:"status"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type Intent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

type Task struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Tool     string         `json:"tool"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Expected string         `json:"expected,omitempty"`
	Status   string         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type Plan struct {
	ID        string         `json:"id"`
	Intent    Intent         `json:"intent"`
	Tasks     []Task         `json:"tasks"`
	Stage     string         `json:"stage"`
	Evidence  map[string]any `json:"evidence"`
	Pass      int            `json:"pass"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type GateDecision struct {
	Gate      string         `json:"gate"`
	Status    string         `json:"status"`
	Reasons   []string       `json:"reasons"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Owner     string         `json:"owner"`
	Timestamp string         `json:"timestamp"`
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

// PipelineRun is returned by RunIntent.
type PipelineRun struct {
	Plan      Plan            `json:"plan"`
	Promotion PromotionResult `json:"promotion"`
}

type Approval struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SubjectID  string          `json:"subject_id"`
	Content    json.RawMessage `json:"content"`
	Status     string          `json:"status"`
	Feedback   string          `json:"feedback,omitempty"`
	NextAction string          `json:"next_action,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	CreatedAt  string          `json:"created_at"`
	DecidedAt  *string         `json:"decided_at,omitempty"`
}

type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Feedback   string `json:"feedback,omitempty"`
	NextAction string `json:"next_action"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor for the next page.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}
