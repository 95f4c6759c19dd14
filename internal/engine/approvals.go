package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"jobgate/internal/domain"
	"jobgate/internal/errs"
	"jobgate/internal/events"
	"jobgate/internal/repo"
)

// RequestApproval stores a pending approval. content is encoded once and never rewritten.
func (e Engine) RequestApproval(ctx context.Context, approvalType, subjectID string, content any, actorID string) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = e.requestApprovalTx(ctx, tx, approvalType, subjectID, content, actorID)
		return err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.Bus.Publish("approval.requested", a.ID)
	return a, nil
}

func (e Engine) requestApprovalTx(ctx context.Context, tx *sql.Tx, approvalType, subjectID string, content any, actorID string) (domain.ApprovalRequest, error) {
	approvalType, subjectID = strings.TrimSpace(approvalType), strings.TrimSpace(subjectID)
	if approvalType == "" || subjectID == "" {
		return domain.ApprovalRequest{}, errs.New(errs.InvalidInput, "type and subject_id are required")
	}
	raw, err := encodeContent(content)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	a := domain.ApprovalRequest{
		ID:        ulid.Make().String(),
		Type:      approvalType,
		SubjectID: subjectID,
		Content:   raw,
		Status:    domain.ApprovalPending,
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertPendingApproval(ctx, tx, a); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.appendEvent(ctx, tx, "approval.requested", "approval", a.ID, actorID, events.EventPayload{"type": a.Type, "subject_id": a.SubjectID}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return a, nil
}

func encodeContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(c) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(c) {
			return nil, errs.New(errs.InvalidInput, "content must be valid JSON")
		}
		return c, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "content is not encodable")
	}
	return b, nil
}

// NormalizeDecision maps a decision, or one of its aliases, to a status and next action.
func NormalizeDecision(decision string) (status, next string, err error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case domain.ApprovalApproved, "yes":
		return domain.ApprovalApproved, domain.NextProceed, nil
	case domain.ApprovalNeedsChanges, "no_fix":
		return domain.ApprovalNeedsChanges, domain.NextRevise, nil
	case domain.ApprovalRejected, "no_terminate":
		return domain.ApprovalRejected, domain.NextEnd, nil
	}
	return "", "", errs.New(errs.InvalidInput, "decision must be approved, needs_changes or rejected")
}

// promotionApproval is the request type opened when a plan is promoted.
const promotionApproval = "promotion"

var planStageForDecision = map[string]string{
	domain.ApprovalApproved:     domain.StageDone,
	domain.ApprovalNeedsChanges: domain.StageEvaluate,
	domain.ApprovalRejected:     domain.StageFailed,
}

// Decide moves a pending approval into history exactly once. A second decision on the same id is NotFound.
func (e Engine) Decide(ctx context.Context, id, decision, feedback, actorID string) (domain.ApprovalDecision, error) {
	status, next, err := NormalizeDecision(decision)
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	if actorID == "" {
		actorID = "system"
	}
	decidedAt := domain.FormatTime(e.now())
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetPendingApproval(ctx, tx, id)
		if err != nil {
			return notFound(err, "pending approval %s not found", id)
		}
		a.Status, a.Feedback, a.NextAction, a.DecidedBy, a.DecidedAt = status, feedback, next, actorID, &decidedAt
		if err := e.Repo.InsertApprovalHistory(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Repo.DeletePendingApproval(ctx, tx, id); err != nil {
			return notFound(err, "pending approval %s not found", id)
		}
		applied, err := e.applyDecisionToPlan(ctx, tx, a, status, actorID)
		if err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "approval.decided", "approval", id, actorID, events.EventPayload{"status": status, "next_action": next, "subject_id": a.SubjectID, "applied": applied})
	})
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	e.Metrics.ApprovalDecided(ctx, status)
	e.Bus.Publish("approval.decided", id)
	return domain.ApprovalDecision{ApprovalID: id, Status: status, Feedback: feedback, NextAction: next}, nil
}

// applyDecisionToPlan moves the plan named by the approval. A promotion approval only applies while
// the plan is still promoted on the pass it snapshotted; a later pass makes it stale.
func (e Engine) applyDecisionToPlan(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest, status, actorID string) (bool, error) {
	plan, err := e.Repo.GetPlan(ctx, tx, a.SubjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.Type == promotionApproval {
		var snap struct {
			Plan struct {
				Pass int `json:"pass"`
			} `json:"plan"`
		}
		if err := json.Unmarshal(a.Content, &snap); err != nil {
			return false, errs.Wrap(errs.Internal, err, "decode promotion snapshot")
		}
		if plan.Stage != domain.StagePromote || snap.Plan.Pass != plan.Pass {
			e.log().Warn("stale promotion approval", slog.String("approval_id", a.ID), slog.String("plan_id", plan.ID),
				slog.Int("approval_pass", snap.Plan.Pass), slog.Int("plan_pass", plan.Pass), slog.String("stage", plan.Stage))
			return false, nil
		}
	}
	loadedAt := plan.UpdatedAt
	plan.Stage = planStageForDecision[status]
	e.touch(&plan, loadedAt)
	if err := e.Repo.UpdatePlan(ctx, tx, plan); err != nil {
		return false, err
	}
	return true, e.appendEvent(ctx, tx, "plan.stage_changed", "plan", plan.ID, actorID, events.EventPayload{"stage": plan.Stage, "approval_status": status})
}

func (e Engine) ListPending(ctx context.Context, approvalType string, limit int) ([]domain.ApprovalRequest, error) {
	res, err := e.Repo.ListPendingApprovals(ctx, approvalType, limit)
	return res, errs.FromStore(err)
}

func (e Engine) ListHistory(ctx context.Context, subjectID string, limit int) ([]domain.ApprovalRequest, error) {
	res, err := e.Repo.ListApprovalHistory(ctx, subjectID, limit)
	return res, errs.FromStore(err)
}

// GetApproval looks in the pending table first, then in history.
func (e Engine) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	a, err := e.Repo.GetPendingApproval(ctx, nil, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return a, errs.FromStore(err)
	}
	a, err = e.Repo.GetApprovalHistory(ctx, nil, id)
	if err != nil {
		return a, errs.FromStore(notFound(err, "approval %s not found", id))
	}
	return a, nil
}

// LatestEvents tails the event log newest first.
func (e Engine) LatestEvents(ctx context.Context, limit int, f repo.EventFilter) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, limit, f)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

// EventsAfter returns events past cursor oldest first.
func (e Engine) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	evts, err := e.Repo.EventsAfter(ctx, limit, cursor)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}
