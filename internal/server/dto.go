package server

import (
	"jobgate/internal/domain"
)

// Request payloads

type EnqueueRequest struct {
	Kind    string `json:"kind" minLength:"1" example:"echo"`
	Payload any    `json:"payload,omitempty"`
}

type CompleteJobRequest struct {
	Status  string `json:"status" enum:"completed,failed,needs_revision"`
	Output  any    `json:"output,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	// OutputJSON is the pre-encoded form older workers send.
	OutputJSON *string `json:"output_json,omitempty"`
}

type RegisterAgentRequest struct {
	Name    string `json:"name" minLength:"1"`
	Tenant  string `json:"tenant,omitempty"`
	Host    string `json:"host,omitempty"`
	Version string `json:"version,omitempty"`
}

type HeartbeatRequest struct {
	AgentID string  `json:"agent_id" minLength:"1"`
	At      *string `json:"at,omitempty" format:"date-time"`
}

type IntentRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
}

type GateDecisionInput struct {
	Gate      string         `json:"gate" minLength:"1"`
	Status    string         `json:"status" example:"pass"`
	Reasons   []string       `json:"reasons,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type PromoteRequest struct {
	Decisions []GateDecisionInput `json:"decisions,omitempty"`
}

func (r PromoteRequest) decisions() []domain.GateDecision {
	out := make([]domain.GateDecision, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		out = append(out, domain.GateDecision(d))
	}
	return out
}

type CreateApprovalRequest struct {
	Type      string `json:"type" minLength:"1" example:"promotion"`
	SubjectID string `json:"subject_id" minLength:"1"`
	Content   any    `json:"content,omitempty"`
}

type DecideRequest struct {
	Decision string `json:"decision" minLength:"1" example:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Responses

type OKResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
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

type RegisterAgentResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Tenant            string `json:"tenant"`
	Status            string `json:"status"`
	HeartbeatInterval int    `json:"heartbeat_interval" doc:"Seconds between heartbeats"`
}

type PipelineRunResponse struct {
	Plan      domain.Plan            `json:"plan"`
	Promotion domain.PromotionResult `json:"promotion"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
