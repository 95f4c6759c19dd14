package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"jobgate/internal/domain"
	"jobgate/internal/errs"
	"jobgate/internal/events"
)

// Enqueue stores a new queued job.
func (e Engine) Enqueue(ctx context.Context, kind string, payload json.RawMessage, actorID string) (domain.Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return domain.Job{}, errs.New(errs.InvalidInput, "kind is required")
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return domain.Job{}, errs.New(errs.InvalidInput, "payload must be valid JSON")
	}
	ts := domain.FormatTime(e.now())
	job := domain.Job{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Payload:   payload,
		Status:    domain.JobQueued,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "job.enqueued", "job", job.ID, actorID, events.EventPayload{"kind": kind})
	})
	if err != nil {
		return domain.Job{}, err
	}
	e.Metrics.JobEnqueued(ctx, kind)
	e.Bus.Publish("job.enqueued", job.ID)
	return job, nil
}

// Claim hands the oldest queued job to agentID. It returns nil when nothing is queued.
func (e Engine) Claim(ctx context.Context, agentID string) (*domain.Job, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errs.New(errs.InvalidInput, "agent_id is required")
	}
	var job *domain.Job
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetAgent(ctx, tx, agentID); err != nil {
			return notFound(err, "agent %s not found", agentID)
		}
		claimed, err := e.Repo.ClaimNextJob(ctx, tx, agentID, domain.FormatTime(e.now()))
		if err != nil || claimed == nil {
			return err
		}
		job = claimed
		return e.appendEvent(ctx, tx, "job.claimed", "job", claimed.ID, agentID, events.EventPayload{"attempts": claimed.Attempts})
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		e.Metrics.JobClaimed(ctx)
		e.log().Debug("job claimed", slog.String("job_id", job.ID), slog.String("agent_id", agentID))
	}
	return job, nil
}

// Completion is a terminal report for a claimed job.
type Completion struct {
	JobID   string
	AgentID string
	Status  string
	Output  json.RawMessage
}

// Complete records a terminal status. Repeating an identical completion is a no-op;
// completing a job that is not held, or is held by another agent, is a Conflict.
func (e Engine) Complete(ctx context.Context, c Completion) error {
	if !domain.IsTerminalJobStatus(c.Status) {
		return errs.New(errs.InvalidInput, "status must be completed, failed or needs_revision")
	}
	if len(c.Output) > 0 && !json.Valid(c.Output) {
		return errs.New(errs.InvalidInput, "output must be valid JSON")
	}
	ts := domain.FormatTime(e.now())
	changed := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.CompleteJob(ctx, tx, c.JobID, c.AgentID, c.Status, c.Output, ts)
		if err != nil {
			return err
		}
		if !ok {
			return e.explainCompleteMiss(ctx, tx, c)
		}
		changed = true
		if err := e.Repo.UpsertResult(ctx, tx, domain.Result{JobID: c.JobID, Status: c.Status, Output: c.Output, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "job.completed", "job", c.JobID, c.AgentID, events.EventPayload{"status": c.Status})
	})
	if err != nil {
		return err
	}
	if changed {
		e.Metrics.JobCompleted(ctx, c.Status)
		e.Bus.Publish("job.completed", c.JobID)
	}
	return nil
}

func (e Engine) explainCompleteMiss(ctx context.Context, tx *sql.Tx, c Completion) error {
	job, err := e.Repo.GetJob(ctx, tx, c.JobID)
	if err != nil {
		return notFound(err, "job %s not found", c.JobID)
	}
	switch {
	case job.Status == c.Status:
		return nil
	case job.Status == domain.JobQueued:
		return errs.New(errs.Conflict, "job %s is not claimed", c.JobID)
	case job.Status == domain.JobInProgress:
		return errs.New(errs.Conflict, "job %s is held by another agent", c.JobID)
	default:
		return errs.New(errs.Conflict, "job %s already %s", c.JobID, job.Status)
	}
}

// Retry puts a failed, needs_revision or in_progress job back on the queue. A queued job is left as is.
func (e Engine) Retry(ctx context.Context, id, actorID string) (domain.Job, error) {
	var job domain.Job
	requeued := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.RequeueJob(ctx, tx, id, domain.FormatTime(e.now()))
		if err != nil {
			return err
		}
		job, err = e.Repo.GetJob(ctx, tx, id)
		if err != nil {
			return notFound(err, "job %s not found", id)
		}
		if !ok {
			if job.Status == domain.JobQueued {
				return nil
			}
			return errs.New(errs.Conflict, "job %s is %s and cannot be retried", id, job.Status)
		}
		requeued = true
		return e.appendEvent(ctx, tx, "job.retried", "job", id, actorID, nil)
	})
	if err != nil {
		return domain.Job{}, err
	}
	if requeued {
		e.Metrics.JobsRequeued(ctx, 1, "retry")
		e.Bus.Publish("job.enqueued", id)
	}
	return job, nil
}

// RequeueStuck returns in_progress jobs untouched for longer than olderThan to the queue.
func (e Engine) RequeueStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = e.config().Sweep.StuckAfter
	}
	now := e.now()
	cutoff := domain.FormatTime(now.Add(-olderThan))
	var ids []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = e.Repo.RequeueStuck(ctx, tx, cutoff, domain.FormatTime(now))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := e.appendEvent(ctx, tx, "job.requeued", "job", id, "", events.EventPayload{"older_than_seconds": int(olderThan.Seconds())}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.Metrics.JobsRequeued(ctx, len(ids), "stuck")
		e.Bus.Publish("job.enqueued", "")
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, nil, id)
	if err != nil {
		return job, errs.FromStore(notFound(err, "job %s not found", id))
	}
	return job, nil
}

func (e Engine) GetResult(ctx context.Context, jobID string) (domain.Result, error) {
	res, err := e.Repo.GetResult(ctx, jobID)
	if err != nil {
		return res, errs.FromStore(notFound(err, "result for job %s not found", jobID))
	}
	return res, nil
}

func (e Engine) RecentJobs(ctx context.Context, limit int, status string) ([]domain.Job, error) {
	if status != "" && status != domain.JobQueued && status != domain.JobInProgress && !domain.IsTerminalJobStatus(status) {
		return nil, errs.New(errs.InvalidInput, "unknown status %s", status)
	}
	jobs, err := e.Repo.RecentJobs(ctx, limit, status)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return jobs, nil
}

func (e Engine) Totals(ctx context.Context) (domain.Totals, error) {
	t, err := e.Repo.JobTotals(ctx)
	return t, errs.FromStore(err)
}
