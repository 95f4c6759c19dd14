package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"jobgate/internal/domain"
	"jobgate/internal/errs"
	"jobgate/internal/events"
	"jobgate/internal/pipeline"
	"jobgate/internal/repo"
	"jobgate/internal/storage"
)

// PlanFromIntent plans an intent and persists the result in stage plan.
func (e Engine) PlanFromIntent(ctx context.Context, title, description, priority, actorID string) (domain.Plan, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Plan{}, errs.New(errs.InvalidInput, "title is required")
	}
	if !pipeline.ValidPriority(priority) {
		return domain.Plan{}, errs.New(errs.InvalidInput, "priority must be low, medium, high or urgent")
	}
	plan := e.runner().Planner.MakePlan(title, description, priority, e.now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "plan.created", "plan", plan.ID, actorID, events.EventPayload{"tasks": len(plan.Tasks), "priority": plan.Intent.Priority})
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

func (e Engine) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, nil, id)
	if err != nil {
		return p, errs.FromStore(notFound(err, "plan %s not found", id))
	}
	return p, nil
}

func (e Engine) ListPlans(ctx context.Context, limit int, stage string) ([]domain.Plan, error) {
	plans, err := e.Repo.ListPlans(ctx, limit, stage)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	if plans == nil {
		plans = []domain.Plan{}
	}
	return plans, nil
}

func requireStage(p domain.Plan, op string, allowed ...string) error {
	for _, s := range allowed {
		if p.Stage == s {
			return nil
		}
	}
	return errs.New(errs.Conflict, "cannot %s plan %s in stage %s", op, p.ID, p.Stage)
}

// savePlan writes plan if nobody else touched it since it was loaded at loadedAt.
func (e Engine) savePlan(ctx context.Context, tx *sql.Tx, plan domain.Plan, loadedAt string) error {
	current, err := e.Repo.GetPlan(ctx, tx, plan.ID)
	if err != nil {
		return notFound(err, "plan %s not found", plan.ID)
	}
	if current.UpdatedAt != loadedAt {
		return errs.New(errs.Conflict, "plan %s changed concurrently", plan.ID)
	}
	return e.Repo.UpdatePlan(ctx, tx, plan)
}

// touch advances UpdatedAt past loadedAt so the optimistic check in savePlan sees every write.
func (e Engine) touch(plan *domain.Plan, loadedAt string) {
	next := e.now()
	if prev, err := domain.ParseTime(loadedAt); err == nil && !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	plan.UpdatedAt = domain.FormatTime(next)
}

// RunTasks executes pending tasks outside any transaction, then stores the plan in stage gates.
func (e Engine) RunTasks(ctx context.Context, planID, actorID string) (domain.Plan, error) {
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return plan, err
	}
	if err := requireStage(plan, "run tasks for", domain.StagePlan, domain.StageEvaluate); err != nil {
		return plan, err
	}
	loadedAt := plan.UpdatedAt
	e.runner().RunTasks(ctx, &plan)
	e.touch(&plan, loadedAt)
	errored := 0
	for _, t := range plan.Tasks {
		if t.Status == domain.TaskError {
			errored++
		}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.savePlan(ctx, tx, plan, loadedAt); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "plan.tasks_run", "plan", plan.ID, actorID, events.EventPayload{"tasks": len(plan.Tasks), "errored": errored})
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// RunGates opens a new evaluation pass and persists its decisions.
func (e Engine) RunGates(ctx context.Context, planID, actorID string) ([]domain.GateDecision, error) {
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := requireStage(plan, "run gates for", domain.StageGates, domain.StageEvaluate, domain.StagePromote); err != nil {
		return nil, err
	}
	if err := e.requireNoPendingPromotion(ctx, plan); err != nil {
		return nil, err
	}
	decisions, err := e.runGates(ctx, &plan, actorID)
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

func (e Engine) runGates(ctx context.Context, plan *domain.Plan, actorID string) ([]domain.GateDecision, error) {
	loadedAt := plan.UpdatedAt
	decisions := e.runner().RunGates(ctx, plan)
	e.touch(plan, loadedAt)
	summary := map[string]string{}
	for _, d := range decisions {
		summary[d.Gate] = d.Status
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.savePlan(ctx, tx, *plan, loadedAt); err != nil {
			return err
		}
		if err := e.Repo.InsertGateDecisions(ctx, tx, plan.ID, plan.Pass, decisions); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "plan.gates_run", "plan", plan.ID, actorID, events.EventPayload{"pass": plan.Pass, "decisions": summary})
	})
	if err != nil {
		return nil, err
	}
	e.Metrics.GateDecisions(ctx, decisions)
	return decisions, nil
}

// EvaluateAndPromote aggregates decisions into a promotion result. With no decisions it uses the
// latest persisted pass. A promoted plan gets a pending promotion approval.
func (e Engine) EvaluateAndPromote(ctx context.Context, planID string, decisions []domain.GateDecision, actorID string) (domain.PromotionResult, error) {
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return domain.PromotionResult{}, err
	}
	if err := requireStage(plan, "evaluate", domain.StageGates, domain.StageEvaluate, domain.StagePromote); err != nil {
		return domain.PromotionResult{}, err
	}
	if plan.Stage == domain.StagePromote && len(decisions) == 0 {
		return e.GetPromotion(ctx, plan.ID, plan.Pass)
	}
	if err := e.requireNoPendingPromotion(ctx, plan); err != nil {
		return domain.PromotionResult{}, err
	}
	if len(decisions) == 0 {
		if plan.Pass == 0 {
			return domain.PromotionResult{}, errs.New(errs.Conflict, "plan %s has no gate decisions", plan.ID)
		}
		decisions, err = e.Repo.ListGateDecisions(ctx, nil, plan.ID, plan.Pass)
		if err != nil {
			return domain.PromotionResult{}, errs.FromStore(err)
		}
	} else if decisions, err = e.reconcileDecisions(ctx, plan, decisions); err != nil {
		return domain.PromotionResult{}, err
	}
	return e.evaluate(ctx, plan, decisions, actorID)
}

// requireNoPendingPromotion keeps a promoted plan frozen until its approval is decided.
func (e Engine) requireNoPendingPromotion(ctx context.Context, plan domain.Plan) error {
	if plan.Stage != domain.StagePromote {
		return nil
	}
	a, err := e.Repo.PendingApprovalFor(ctx, nil, promotionApproval, plan.ID)
	switch {
	case err == nil:
		return errs.New(errs.Conflict, "plan %s awaits promotion approval %s", plan.ID, a.ID)
	case errors.Is(err, repo.ErrNotFound):
		return nil
	default:
		return errs.FromStore(err)
	}
}

var gateSeverity = map[string]int{domain.GatePass: 0, domain.GateHold: 1, domain.GateFail: 2}

// reconcileDecisions checks caller decisions against the gates that ran in the current pass.
// They must name the same gates in the same order and may only make a verdict stricter.
func (e Engine) reconcileDecisions(ctx context.Context, plan domain.Plan, given []domain.GateDecision) ([]domain.GateDecision, error) {
	for _, d := range given {
		if _, ok := gateSeverity[d.Status]; !ok {
			return nil, errs.New(errs.InvalidInput, "gate %s has invalid status %q", d.Gate, d.Status)
		}
	}
	if plan.Pass == 0 {
		return nil, errs.New(errs.Conflict, "plan %s has no gate decisions", plan.ID)
	}
	stored, err := e.Repo.ListGateDecisions(ctx, nil, plan.ID, plan.Pass)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	if len(given) != len(stored) {
		return nil, errs.New(errs.InvalidInput, "pass %d ran %d gates, got %d decisions", plan.Pass, len(stored), len(given))
	}
	out := make([]domain.GateDecision, len(stored))
	for i, s := range stored {
		d := given[i]
		if d.Gate != s.Gate {
			return nil, errs.New(errs.InvalidInput, "decision %d is for gate %q, pass %d ran %q", i, d.Gate, plan.Pass, s.Gate)
		}
		if gateSeverity[d.Status] < gateSeverity[s.Status] {
			return nil, errs.New(errs.Conflict, "gate %s decided %s in pass %d and cannot be relaxed to %s", s.Gate, s.Status, plan.Pass, d.Status)
		}
		if d.Status != s.Status {
			s.Status = d.Status
			s.Reasons = append(append([]string{}, s.Reasons...), d.Reasons...)
			s.Owner = d.Owner
			if s.Owner == "" {
				s.Owner = "manual"
			}
		}
		out[i] = s
	}
	return out, nil
}

// evaluate aggregates decisions already resolved for the current pass.
func (e Engine) evaluate(ctx context.Context, plan domain.Plan, decisions []domain.GateDecision, actorID string) (domain.PromotionResult, error) {
	loadedAt := plan.UpdatedAt
	res := e.runner().Evaluate(&plan, decisions)
	e.touch(&plan, loadedAt)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.savePlan(ctx, tx, plan, loadedAt); err != nil {
			return err
		}
		if res.Promoted {
			approval, err := e.requestApprovalTx(ctx, tx, promotionApproval, plan.ID, map[string]any{
				"plan":           plan,
				"decisions":      decisions,
				"rollback_token": res.RollbackToken,
			}, actorID)
			if err != nil {
				return err
			}
			res.ApprovalID = approval.ID
		}
		if err := e.Repo.UpsertPromotion(ctx, tx, res, plan.UpdatedAt); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "plan.evaluated", "plan", plan.ID, actorID, events.EventPayload{
			"pass": plan.Pass, "promoted": res.Promoted, "stage": res.Stage, "reason": res.Reason,
		})
	})
	if err != nil {
		return domain.PromotionResult{}, err
	}
	e.Metrics.Promotion(ctx, res.Promoted)
	if res.ApprovalID != "" {
		e.Bus.Publish("approval.requested", res.ApprovalID)
	}
	e.writeBundle(ctx, plan, decisions, res)
	return res, nil
}

// writeBundle stores the evaluated artifacts. Storage is best effort; the database row is authoritative.
func (e Engine) writeBundle(ctx context.Context, plan domain.Plan, decisions []domain.GateDecision, res domain.PromotionResult) {
	if e.Artifacts == nil {
		return
	}
	data, err := json.MarshalIndent(map[string]any{
		"plan":      plan,
		"artifacts": pipeline.ArtifactBundle(plan),
		"decisions": decisions,
		"promotion": res,
	}, "", "  ")
	if err == nil {
		err = e.Artifacts.Write(ctx, storage.BundlePath(plan.ID, plan.Pass), data)
	}
	if err != nil {
		e.log().Warn("failed to write artifact bundle", slog.String("plan_id", plan.ID), slog.Int("pass", plan.Pass), slog.String("error", err.Error()))
	}
}

// ReadBundle returns the stored artifact bundle for a pass; pass 0 means the latest.
func (e Engine) ReadBundle(ctx context.Context, planID string, pass int) ([]byte, error) {
	if e.Artifacts == nil {
		return nil, errs.New(errs.NotFound, "artifact storage is not configured")
	}
	if pass <= 0 {
		plan, err := e.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		pass = plan.Pass
	}
	data, err := e.Artifacts.Read(ctx, storage.BundlePath(planID, pass))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "no bundle for plan %s pass %d", planID, pass)
	}
	return data, err
}

// GetPromotion returns the stored promotion result for a pass; pass 0 means the latest.
func (e Engine) GetPromotion(ctx context.Context, planID string, pass int) (domain.PromotionResult, error) {
	if pass <= 0 {
		plan, err := e.GetPlan(ctx, planID)
		if err != nil {
			return domain.PromotionResult{}, err
		}
		pass = plan.Pass
	}
	p, err := e.Repo.GetPromotion(ctx, planID, pass)
	if errors.Is(err, repo.ErrNotFound) {
		return p, errs.New(errs.NotFound, "no promotion for plan %s pass %d", planID, pass)
	}
	return p, errs.FromStore(err)
}

// RunPipeline runs tasks when needed, a fresh gate pass, and the evaluation in one call.
func (e Engine) RunPipeline(ctx context.Context, planID, actorID string) (domain.PromotionResult, error) {
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return domain.PromotionResult{}, err
	}
	if err := requireStage(plan, "run", domain.StagePlan, domain.StageGates, domain.StageEvaluate, domain.StagePromote); err != nil {
		return domain.PromotionResult{}, err
	}
	if err := e.requireNoPendingPromotion(ctx, plan); err != nil {
		return domain.PromotionResult{}, err
	}
	if plan.Stage == domain.StagePlan || plan.Stage == domain.StageEvaluate {
		if plan, err = e.RunTasks(ctx, planID, actorID); err != nil {
			return domain.PromotionResult{}, err
		}
	}
	decisions, err := e.runGates(ctx, &plan, actorID)
	if err != nil {
		return domain.PromotionResult{}, err
	}
	return e.evaluate(ctx, plan, decisions, actorID)
}

// RunIntent plans an intent and drives it through the pipeline.
func (e Engine) RunIntent(ctx context.Context, title, description, priority, actorID string) (domain.Plan, domain.PromotionResult, error) {
	plan, err := e.PlanFromIntent(ctx, title, description, priority, actorID)
	if err != nil {
		return domain.Plan{}, domain.PromotionResult{}, err
	}
	res, err := e.RunPipeline(ctx, plan.ID, actorID)
	if err != nil {
		return plan, domain.PromotionResult{}, err
	}
	plan, err = e.GetPlan(ctx, plan.ID)
	return plan, res, err
}
