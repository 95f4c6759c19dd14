package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/config"
	"jobgate/internal/domain"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	gates, err := NewGates(config.Default().Pipeline)
	require.NoError(t, err)
	return &Runner{
		Registry: DefaultRegistry(),
		Planner:  NewPlanner(nil),
		Gates:    gates,
		Now:      func() time.Time { return fixedNow },
	}
}

func TestPlannerSchedulesAppBuilder(t *testing.T) {
	p := NewPlanner(nil).MakePlan("Build web app", "A tool for tracking invoices", "", fixedNow)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "app_builder", p.Tasks[0].Tool)
	assert.Equal(t, "A tool for tracking invoices", p.Tasks[0].Inputs["idea"])
	assert.Equal(t, domain.PriorityMedium, p.Intent.Priority)
	assert.Equal(t, domain.StagePlan, p.Stage)

	empty := NewPlanner(nil).MakePlan("Quarterly report", "Summarise numbers", "low", fixedNow)
	assert.Empty(t, empty.Tasks)
}

func TestRunTasksRecordsFailures(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Registry.Register("boom", Capability{Tool: func(context.Context, map[string]any) (map[string]any, error) {
		panic("kaboom")
	}}))
	require.NoError(t, r.Registry.Register("needs", Capability{RequiredInputs: []string{"x"}, Tool: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}}))
	plan := domain.Plan{ID: "p1", Tasks: []domain.Task{
		{ID: "1", Tool: "missing", Status: domain.TaskQueued},
		{ID: "2", Tool: "boom", Status: domain.TaskQueued},
		{ID: "3", Tool: "needs", Status: domain.TaskQueued},
		{ID: "4", Tool: "app_builder", Inputs: map[string]any{"idea": "todo list"}, Status: domain.TaskQueued},
		{ID: "5", Tool: "missing", Status: domain.TaskDone},
	}}

	r.RunTasks(context.Background(), &plan)

	assert.Equal(t, domain.StageGates, plan.Stage)
	assert.Equal(t, domain.TaskError, plan.Tasks[0].Status)
	assert.Equal(t, "unknown tool missing", plan.Tasks[0].Error)
	assert.Equal(t, domain.TaskError, plan.Tasks[1].Status)
	assert.Contains(t, plan.Tasks[1].Error, "kaboom")
	assert.Equal(t, "missing input x", plan.Tasks[2].Error)
	assert.Equal(t, domain.TaskDone, plan.Tasks[3].Status)
	assert.Equal(t, true, plan.Tasks[3].Result["ok"])
	assert.Equal(t, domain.TaskDone, plan.Tasks[4].Status)
}

func TestGateErrorsFailClosed(t *testing.T) {
	r := &Runner{Now: func() time.Time { return fixedNow }, Gates: []Gate{
		GateFunc{GateName: "ok", Fn: func(context.Context, domain.Plan) (Verdict, error) {
			return Verdict{Status: domain.GatePass}, nil
		}},
		GateFunc{GateName: "erroring", Fn: func(context.Context, domain.Plan) (Verdict, error) {
			return Verdict{}, errors.New("backend down")
		}},
		GateFunc{GateName: "panicking", Fn: func(context.Context, domain.Plan) (Verdict, error) {
			panic("nil map")
		}},
	}}
	plan := domain.Plan{ID: "p1", Stage: domain.StageGates}

	decisions := r.RunGates(context.Background(), &plan)

	require.Len(t, decisions, 3)
	assert.Equal(t, domain.GatePass, decisions[0].Status)
	assert.Equal(t, domain.GateFail, decisions[1].Status)
	assert.Equal(t, []string{"gate error: backend down"}, decisions[1].Reasons)
	assert.Equal(t, domain.GateFail, decisions[2].Status)
	assert.Contains(t, decisions[2].Reasons[0], "gate error: panic: nil map")

	res := r.Evaluate(&plan, decisions)
	assert.False(t, res.Promoted)
	assert.Equal(t, "one or more gates failed", res.Reason)
	assert.Equal(t, domain.StageFailed, plan.Stage)
	assert.Empty(t, res.RollbackToken)
}

func TestGatesAreDeterministic(t *testing.T) {
	r := newTestRunner(t)
	base := r.Planner.MakePlan("Build API", "Inventory service for warehouses", "high", fixedNow)
	r.RunTasks(context.Background(), &base)

	a, b := base, base
	a.Evidence, b.Evidence = map[string]any{}, map[string]any{}
	d1 := r.RunGates(context.Background(), &a)
	d2 := r.RunGates(context.Background(), &b)
	assert.Equal(t, d1, d2)

	r1 := r.Evaluate(&a, d1)
	r2 := r.Evaluate(&b, d2)
	assert.True(t, r1.Promoted)
	assert.Equal(t, r1.RollbackToken, r2.RollbackToken)
	assert.Equal(t, RollbackToken(a.ID, 1, d1), r1.RollbackToken)
	assert.Equal(t, domain.StagePromote, a.Stage)
}

func TestGatesRerunOnSamePlan(t *testing.T) {
	r := newTestRunner(t)
	plan := r.Planner.MakePlan("Build API", "Inventory service for warehouses", "high", fixedNow)
	r.RunTasks(context.Background(), &plan)

	first := r.RunGates(context.Background(), &plan)
	require.Equal(t, 1, plan.Pass)
	require.NotEmpty(t, plan.Evidence)
	second := r.RunGates(context.Background(), &plan)
	assert.Equal(t, 2, plan.Pass)
	assert.Equal(t, first, second, "evidence from the first pass must not leak into the second")

	res := r.Evaluate(&plan, second)
	assert.True(t, res.Promoted)
	assert.Equal(t, 2, res.Pass)
	assert.Equal(t, RollbackToken(plan.ID, 2, second), res.RollbackToken)
	assert.NotEqual(t, RollbackToken(plan.ID, 1, first), res.RollbackToken)
}

func TestShortDescriptionHolds(t *testing.T) {
	r := newTestRunner(t)
	plan := r.Planner.MakePlan("Build app", "tiny", "", fixedNow)
	r.RunTasks(context.Background(), &plan)
	decisions := r.RunGates(context.Background(), &plan)

	var business domain.GateDecision
	for _, d := range decisions {
		if d.Gate == "business" {
			business = d
		}
	}
	assert.Equal(t, domain.GateHold, business.Status)
	assert.Equal(t, []string{"insufficient business rationale"}, business.Reasons)

	res := r.Evaluate(&plan, decisions)
	assert.False(t, res.Promoted)
	assert.Equal(t, "one or more gates hold", res.Reason)
	assert.Equal(t, domain.StageEvaluate, plan.Stage)
	assert.Contains(t, plan.Evidence, "business")
}

func TestAggregatePriority(t *testing.T) {
	d := func(status string) domain.GateDecision { return domain.GateDecision{Status: status} }
	assert.Equal(t, domain.GatePass, Aggregate(nil))
	assert.Equal(t, domain.GateHold, Aggregate([]domain.GateDecision{d("pass"), d("hold")}))
	assert.Equal(t, domain.GateFail, Aggregate([]domain.GateDecision{d("hold"), d("fail"), d("pass")}))
	assert.Equal(t, domain.GateFail, Aggregate([]domain.GateDecision{d("maybe")}))
}

func TestContentGates(t *testing.T) {
	r := newTestRunner(t)
	plan := domain.Plan{ID: "p", Intent: domain.Intent{
		Title:       "Disney fan site",
		Description: "Includes API_KEY=abc and a ransomware demo",
	}, Tasks: []domain.Task{{Name: "bench", Status: domain.TaskDone, Result: map[string]any{"regression_pct": 25.0, "resilient": false}}}}

	byGate := map[string]domain.GateDecision{}
	for _, d := range r.RunGates(context.Background(), &plan) {
		byGate[d.Gate] = d
	}
	assert.Equal(t, domain.GatePass, byGate["build"].Status)
	assert.Equal(t, domain.GateFail, byGate["safety"].Status)
	assert.Equal(t, domain.GateFail, byGate["security"].Status)
	assert.Equal(t, domain.GateHold, byGate["legal"].Status)
	assert.Equal(t, []string{"legal review required"}, byGate["legal"].Reasons)
	assert.Equal(t, domain.GatePass, byGate["business"].Status)
	assert.Equal(t, domain.GateFail, byGate["perf"].Status)
	assert.Equal(t, domain.GateFail, byGate["resilience"].Status)
}

func TestNewGatesKeepsCanonicalOrder(t *testing.T) {
	gates, err := NewGates(config.PipelineConfig{Gates: []string{"perf", "build"}})
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "build", gates[0].Name())
	assert.Equal(t, "perf", gates[1].Name())

	_, err = NewGates(config.PipelineConfig{Gates: []string{"vibes"}})
	assert.Error(t, err)
}
