package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"jobgate/internal/domain"
)

const jobCols = `id,kind,payload_json,status,agent_id,attempts,output_json,claimed_at,created_at,updated_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var payload string
	var agentID, output, claimedAt sql.NullString
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Status, &agentID, &j.Attempts, &output, &claimedAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Payload = json.RawMessage(payload)
	j.AgentID = stringPtr(agentID)
	j.ClaimedAt = stringPtr(claimedAt)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO jobs(id,kind,payload_json,status,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.Kind, payload, j.Status, j.Attempts, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
}

// ClaimNextJob moves the oldest queued job to in_progress for agentID in a single statement.
// The status guard in the outer WHERE makes the update a no-op if another claimer won the row.
// It returns nil when nothing is queued.
func (r Repo) ClaimNextJob(ctx context.Context, tx *sql.Tx, agentID, now string) (*domain.Job, error) {
	row := r.q(tx).QueryRowContext(ctx, `UPDATE jobs SET status=?, agent_id=?, attempts=attempts+1, claimed_at=?, updated_at=?
WHERE id=(SELECT id FROM jobs WHERE status=? ORDER BY created_at, id LIMIT 1) AND status=?
RETURNING `+jobCols,
		domain.JobInProgress, agentID, now, now, domain.JobQueued, domain.JobQueued)
	j, err := scanJob(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob sets a terminal status on an in_progress job. When agentID is non-empty the job
// must be held by that agent. It reports whether a row changed.
func (r Repo) CompleteJob(ctx context.Context, tx *sql.Tx, id, agentID, status string, output []byte, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET status=?, output_json=?, updated_at=?
WHERE id=? AND status=? AND (?='' OR agent_id=?)`,
		status, nullableJSON(output), now, id, domain.JobInProgress, agentID, agentID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// RequeueJob returns a failed, needs_revision or in_progress job to the queue.
func (r Repo) RequeueJob(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET status=?, agent_id=NULL, claimed_at=NULL, output_json=NULL, updated_at=?
WHERE id=? AND status IN (?,?,?)`,
		domain.JobQueued, now, id, domain.JobFailed, domain.JobNeedsRevision, domain.JobInProgress)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// RequeueStuck returns in_progress jobs not updated since cutoff to the queue.
func (r Repo) RequeueStuck(ctx context.Context, tx *sql.Tx, cutoff, now string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE jobs SET status=?, agent_id=NULL, claimed_at=NULL, updated_at=?
WHERE status=? AND updated_at < ? RETURNING id`,
		domain.JobQueued, now, domain.JobInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r Repo) JobTotals(ctx context.Context) (domain.Totals, error) {
	var t domain.Totals
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return t, err
		}
		switch status {
		case domain.JobQueued:
			t.Queued = n
		case domain.JobInProgress:
			t.InProgress = n
		case domain.JobCompleted:
			t.Completed = n
		case domain.JobFailed:
			t.Failed = n
		case domain.JobNeedsRevision:
			t.NeedsRevision = n
		}
	}
	return t, rows.Err()
}

// RecentJobs lists jobs newest first, optionally filtered by status.
func (r Repo) RecentJobs(ctx context.Context, limit int, status string) ([]domain.Job, error) {
	limit = clampLimit(limit, 20, 200)
	query := `SELECT ` + jobCols + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) UpsertResult(ctx context.Context, tx *sql.Tx, res domain.Result) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO results(job_id,status,output_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, output_json=excluded.output_json, updated_at=excluded.updated_at`,
		res.JobID, res.Status, nullableJSON(res.Output), res.CreatedAt, res.UpdatedAt)
	return err
}

func (r Repo) GetResult(ctx context.Context, jobID string) (domain.Result, error) {
	var res domain.Result
	var output sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,status,output_json,created_at,updated_at FROM results WHERE job_id=?`, jobID).
		Scan(&res.JobID, &res.Status, &output, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if output.Valid {
		res.Output = json.RawMessage(output.String)
	}
	return res, err
}
