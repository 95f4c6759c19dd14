package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"jobgate/internal/domain"
)

func newMockRepo(t *testing.T) (Repo, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Repo{DB: db}, mock
}

var jobColumns = []string{"id", "kind", "payload_json", "status", "agent_id", "attempts", "output_json", "claimed_at", "created_at", "updated_at"}

func TestClaimNextJob_Success(t *testing.T) {
	r, mock := newMockRepo(t)
	now := "2024-01-01T00:00:00.000000Z"

	mock.ExpectQuery(`UPDATE jobs SET status=\?, agent_id=\?, attempts=attempts\+1`).
		WithArgs(domain.JobInProgress, "agent-1", now, now, domain.JobQueued, domain.JobQueued).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("j1", "echo", `{"msg":"hi"}`, domain.JobInProgress, "agent-1", 1, nil, now, now, now))

	job, err := r.ClaimNextJob(context.Background(), nil, "agent-1", now)
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if job == nil || job.ID != "j1" || job.Attempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.AgentID == nil || *job.AgentID != "agent-1" {
		t.Errorf("agent not recorded: %+v", job.AgentID)
	}
	if string(job.Payload) != `{"msg":"hi"}` {
		t.Errorf("payload mismatch: %s", job.Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`UPDATE jobs SET status`).WillReturnRows(sqlmock.NewRows(jobColumns))

	job, err := r.ClaimNextJob(context.Background(), nil, "agent-1", "now")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestCompleteJob_GuardsOnAgent(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE jobs SET status=\?, output_json=\?, updated_at=\?`).
		WithArgs(domain.JobCompleted, `{"ok":true}`, "now", "j1", domain.JobInProgress, "agent-2", "agent-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := r.CompleteJob(context.Background(), nil, "j1", "agent-2", domain.JobCompleted, []byte(`{"ok":true}`), "now")
	if err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if changed {
		t.Fatalf("expected no change for a foreign agent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRequeueStuck_ReturnsIDs(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`UPDATE jobs SET status=\?, agent_id=NULL`).
		WithArgs(domain.JobQueued, "now", domain.JobInProgress, "cutoff").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("j1").AddRow("j2"))

	ids, err := r.RequeueStuck(context.Background(), nil, "cutoff", "now")
	if err != nil {
		t.Fatalf("RequeueStuck failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "j1" || ids[1] != "j2" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestJobTotals(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(domain.JobQueued, 3).
			AddRow(domain.JobCompleted, 2).
			AddRow(domain.JobNeedsRevision, 1))

	totals, err := r.JobTotals(context.Background())
	if err != nil {
		t.Fatalf("JobTotals failed: %v", err)
	}
	want := domain.Totals{Queued: 3, Completed: 2, NeedsRevision: 1}
	if totals != want {
		t.Fatalf("got %+v, want %+v", totals, want)
	}
}

func TestTouchAgent_NotFound(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE agents SET last_heartbeat`).
		WithArgs("ts", domain.AgentActive, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.TouchAgent(context.Background(), nil, "missing", "ts")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeletePendingApproval_NotFound(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM approvals_pending`).WithArgs("a1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.DeletePendingApproval(context.Background(), tx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = tx.Rollback()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRecentJobsClampsLimit(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM jobs WHERE status=\? ORDER BY created_at DESC, id DESC LIMIT \?`).
		WithArgs(domain.JobFailed, 200).
		WillReturnRows(sqlmock.NewRows(jobColumns))

	if _, err := r.RecentJobs(context.Background(), 5000, domain.JobFailed); err != nil {
		t.Fatalf("RecentJobs failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
