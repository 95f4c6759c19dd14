package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"jobgate/internal/domain"
)

func (r Repo) InsertPendingApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals_pending(id,approval_type,subject_id,content_json,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Type, a.SubjectID, string(a.Content), a.CreatedAt)
	return err
}

func scanPending(row scanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var content string
	err := row.Scan(&a.ID, &a.Type, &a.SubjectID, &content, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Content = json.RawMessage(content)
	a.Status = domain.ApprovalPending
	return a, err
}

func (r Repo) GetPendingApproval(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanPending(r.q(tx).QueryRowContext(ctx, `SELECT id,approval_type,subject_id,content_json,created_at FROM approvals_pending WHERE id=?`, id))
}

// PendingApprovalFor returns the oldest pending request of a type for a subject.
func (r Repo) PendingApprovalFor(ctx context.Context, tx *sql.Tx, approvalType, subjectID string) (domain.ApprovalRequest, error) {
	return scanPending(r.q(tx).QueryRowContext(ctx, `SELECT id,approval_type,subject_id,content_json,created_at FROM approvals_pending
WHERE approval_type=? AND subject_id=? ORDER BY created_at, id LIMIT 1`, approvalType, subjectID))
}

func (r Repo) DeletePendingApproval(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM approvals_pending WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingApprovals returns pending requests oldest first.
func (r Repo) ListPendingApprovals(ctx context.Context, approvalType string, limit int) ([]domain.ApprovalRequest, error) {
	limit = clampLimit(limit, 50, 500)
	query := `SELECT id,approval_type,subject_id,content_json,created_at FROM approvals_pending`
	var args []any
	if approvalType != "" {
		query += ` WHERE approval_type=?`
		args = append(args, approvalType)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ApprovalRequest{}
	for rows.Next() {
		a, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertApprovalHistory(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals_history(id,approval_type,subject_id,content_json,status,feedback,next_action,decided_by,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.SubjectID, string(a.Content), a.Status, nullable(a.Feedback), a.NextAction, a.DecidedBy, a.CreatedAt, nullableStringPtr(a.DecidedAt))
	return err
}

const historyCols = `id,approval_type,subject_id,content_json,status,COALESCE(feedback,''),next_action,decided_by,created_at,decided_at`

func scanHistory(row scanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var content string
	var decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.Type, &a.SubjectID, &content, &a.Status, &a.Feedback, &a.NextAction, &a.DecidedBy, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Content = json.RawMessage(content)
	a.DecidedAt = stringPtr(decidedAt)
	return a, err
}

func (r Repo) GetApprovalHistory(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanHistory(r.q(tx).QueryRowContext(ctx, `SELECT `+historyCols+` FROM approvals_history WHERE id=?`, id))
}

// ListApprovalHistory returns decided requests newest first, optionally for one subject.
func (r Repo) ListApprovalHistory(ctx context.Context, subjectID string, limit int) ([]domain.ApprovalRequest, error) {
	limit = clampLimit(limit, 50, 500)
	query := `SELECT ` + historyCols + ` FROM approvals_history`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id=?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY decided_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ApprovalRequest{}
	for rows.Next() {
		a, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
