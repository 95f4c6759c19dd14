package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"jobgate/internal/domain"
)

// RunTasks executes every task not already done or running, then moves the plan to gates.
// Task failures are recorded on the task and never abort the run.
func (r *Runner) RunTasks(ctx context.Context, plan *domain.Plan) {
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.Status == domain.TaskDone || t.Status == domain.TaskRunning {
			continue
		}
		r.runTask(ctx, t)
		r.logger().Debug("task finished", slog.String("plan_id", plan.ID), slog.String("task_id", t.ID), slog.String("status", t.Status))
	}
	plan.Stage = domain.StageGates
	plan.UpdatedAt = domain.FormatTime(r.now())
}

func (r *Runner) runTask(ctx context.Context, t *domain.Task) {
	capability, ok := r.registry().Lookup(t.Tool)
	if !ok {
		t.Status, t.Error, t.Result = domain.TaskError, fmt.Sprintf("unknown tool %s", t.Tool), nil
		return
	}
	for _, in := range capability.RequiredInputs {
		if _, ok := t.Inputs[in]; !ok {
			t.Status, t.Error, t.Result = domain.TaskError, fmt.Sprintf("missing input %s", in), nil
			return
		}
	}
	t.Status = domain.TaskRunning
	result, err := callTool(ctx, capability.Tool, t.Inputs)
	if err != nil {
		t.Status, t.Error, t.Result = domain.TaskError, err.Error(), nil
		return
	}
	t.Status, t.Error, t.Result = domain.TaskDone, "", result
}

func callTool(ctx context.Context, tool Tool, inputs map[string]any) (res map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return tool(ctx, inputs)
}
