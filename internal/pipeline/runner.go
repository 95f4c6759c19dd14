package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobgate/internal/domain"
)

var rollbackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("jobgate/rollback"))

const (
	reasonFailed = "one or more gates failed"
	reasonHold   = "one or more gates hold"
	reasonPassed = "all gates passed"
)

// Runner executes tasks and gates against a plan held in memory. Persistence is the caller's job.
type Runner struct {
	Registry *Registry
	Planner  Planner
	Gates    []Gate
	Now      func() time.Time
	Logger   *slog.Logger
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) registry() *Registry {
	if r.Registry == nil {
		r.Registry = DefaultRegistry()
	}
	return r.Registry
}

// RunGates starts a new evaluation pass and evaluates every gate in order.
// A gate that errors or panics is recorded as fail.
func (r *Runner) RunGates(ctx context.Context, plan *domain.Plan) []domain.GateDecision {
	plan.Pass++
	if plan.Evidence == nil {
		plan.Evidence = map[string]any{}
	}
	ts := domain.FormatTime(r.now())
	snapshot := *plan
	decisions := make([]domain.GateDecision, 0, len(r.Gates))
	for _, g := range r.Gates {
		v, err := evaluateGate(ctx, g, snapshot)
		if err != nil {
			r.logger().Warn("gate error", slog.String("plan_id", plan.ID), slog.String("gate", g.Name()), slog.String("error", err.Error()))
			v = Verdict{Status: domain.GateFail, Reasons: []string{"gate error: " + err.Error()}}
		}
		if v.Status != domain.GatePass && v.Status != domain.GateHold && v.Status != domain.GateFail {
			v = Verdict{Status: domain.GateFail, Reasons: []string{fmt.Sprintf("gate error: invalid status %q", v.Status)}}
		}
		if v.Reasons == nil {
			v.Reasons = []string{}
		}
		if v.Evidence == nil {
			v.Evidence = map[string]any{}
		}
		decisions = append(decisions, domain.GateDecision{
			Gate:      g.Name(),
			Status:    v.Status,
			Reasons:   v.Reasons,
			Evidence:  v.Evidence,
			Owner:     "auto",
			Timestamp: ts,
		})
		plan.Evidence[g.Name()] = v.Evidence
	}
	plan.UpdatedAt = ts
	return decisions
}

func evaluateGate(ctx context.Context, g Gate, plan domain.Plan) (v Verdict, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return g.Evaluate(ctx, plan)
}

// Evaluate aggregates decisions with priority fail over hold over pass and sets the plan stage.
func (r *Runner) Evaluate(plan *domain.Plan, decisions []domain.GateDecision) domain.PromotionResult {
	res := domain.PromotionResult{PlanID: plan.ID, Pass: plan.Pass}
	switch Aggregate(decisions) {
	case domain.GateFail:
		plan.Stage = domain.StageFailed
		res.Reason = reasonFailed
	case domain.GateHold:
		plan.Stage = domain.StageEvaluate
		res.Reason = reasonHold
	default:
		plan.Stage = domain.StagePromote
		res.Promoted = true
		res.Reason = reasonPassed
		res.RollbackToken = RollbackToken(plan.ID, plan.Pass, decisions)
	}
	res.Stage = plan.Stage
	plan.UpdatedAt = domain.FormatTime(r.now())
	return res
}

// Aggregate returns the overall verdict. An empty decision list passes.
func Aggregate(decisions []domain.GateDecision) string {
	verdict := domain.GatePass
	for _, d := range decisions {
		switch d.Status {
		case domain.GateFail:
			return domain.GateFail
		case domain.GateHold:
			verdict = domain.GateHold
		case domain.GatePass:
		default:
			return domain.GateFail
		}
	}
	return verdict
}

// RollbackToken is derived from the plan, the pass and the ordered decisions so it can be recomputed.
func RollbackToken(planID string, pass int, decisions []domain.GateDecision) string {
	parts := []string{planID, strconv.Itoa(pass)}
	for _, d := range decisions {
		parts = append(parts, d.Gate+":"+d.Status)
	}
	return uuid.NewSHA1(rollbackNamespace, []byte(strings.Join(parts, "|"))).String()
}
