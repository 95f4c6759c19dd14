package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"jobgate/internal/domain"
)

const planCols = `id,intent_json,tasks_json,stage,evidence_json,pass,created_at,updated_at`

func scanPlan(row scanner) (domain.Plan, error) {
	var p domain.Plan
	var intent, tasks, evidence string
	err := row.Scan(&p.ID, &intent, &tasks, &p.Stage, &evidence, &p.Pass, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(intent), &p.Intent); err != nil {
		return p, fmt.Errorf("decode plan intent: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &p.Tasks); err != nil {
		return p, fmt.Errorf("decode plan tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &p.Evidence); err != nil {
		return p, fmt.Errorf("decode plan evidence: %w", err)
	}
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	if p.Evidence == nil {
		p.Evidence = map[string]any{}
	}
	return p, nil
}

func encodePlan(p domain.Plan) (intent, tasks, evidence string, err error) {
	ib, err := json.Marshal(p.Intent)
	if err != nil {
		return "", "", "", err
	}
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	tb, err := json.Marshal(p.Tasks)
	if err != nil {
		return "", "", "", err
	}
	if p.Evidence == nil {
		p.Evidence = map[string]any{}
	}
	eb, err := json.Marshal(p.Evidence)
	if err != nil {
		return "", "", "", fmt.Errorf("encode plan evidence: %w", err)
	}
	return string(ib), string(tb), string(eb), nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	intent, tasks, evidence, err := encodePlan(p)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO plans(id,intent_json,tasks_json,stage,evidence_json,pass,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, intent, tasks, p.Stage, evidence, p.Pass, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdatePlan rewrites the mutable columns of a plan.
func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, tasks, evidence, err := encodePlan(p)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE plans SET tasks_json=?, stage=?, evidence_json=?, pass=?, updated_at=? WHERE id=?`,
		tasks, p.Stage, evidence, p.Pass, p.UpdatedAt, p.ID)
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

func (r Repo) GetPlan(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	return scanPlan(r.q(tx).QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id=?`, id))
}

func (r Repo) ListPlans(ctx context.Context, limit int, stage string) ([]domain.Plan, error) {
	limit = clampLimit(limit, 20, 200)
	query := `SELECT ` + planCols + ` FROM plans`
	var args []any
	if stage != "" {
		query += ` WHERE stage=?`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertGateDecisions stores one evaluation pass, preserving gate order in seq.
func (r Repo) InsertGateDecisions(ctx context.Context, tx *sql.Tx, planID string, pass int, decisions []domain.GateDecision) error {
	for i, d := range decisions {
		reasons := d.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		rb, err := json.Marshal(reasons)
		if err != nil {
			return err
		}
		evidence := d.Evidence
		if evidence == nil {
			evidence = map[string]any{}
		}
		eb, err := json.Marshal(evidence)
		if err != nil {
			return fmt.Errorf("encode %s evidence: %w", d.Gate, err)
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO gate_decisions(plan_id,pass,seq,gate,status,reasons_json,evidence_json,owner,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
			planID, pass, i, d.Gate, d.Status, string(rb), string(eb), d.Owner, d.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListGateDecisions(ctx context.Context, tx *sql.Tx, planID string, pass int) ([]domain.GateDecision, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT gate,status,reasons_json,evidence_json,owner,ts FROM gate_decisions WHERE plan_id=? AND pass=? ORDER BY seq`, planID, pass)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateDecision
	for rows.Next() {
		var d domain.GateDecision
		var reasons, evidence string
		if err := rows.Scan(&d.Gate, &d.Status, &reasons, &evidence, &d.Owner, &d.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &d.Evidence); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertPromotion records the outcome of evaluating a pass; re-evaluating the same pass overwrites it.
func (r Repo) UpsertPromotion(ctx context.Context, tx *sql.Tx, p domain.PromotionResult, createdAt string) error {
	promoted := 0
	if p.Promoted {
		promoted = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO promotions(plan_id,pass,promoted,reason,rollback_token,stage,approval_id,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(plan_id,pass) DO UPDATE SET promoted=excluded.promoted, reason=excluded.reason, rollback_token=excluded.rollback_token, stage=excluded.stage, approval_id=excluded.approval_id`,
		p.PlanID, p.Pass, promoted, p.Reason, nullable(p.RollbackToken), p.Stage, nullable(p.ApprovalID), createdAt)
	return err
}

func (r Repo) GetPromotion(ctx context.Context, planID string, pass int) (domain.PromotionResult, error) {
	var p domain.PromotionResult
	var promoted int
	var token, approvalID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT plan_id,pass,promoted,reason,rollback_token,stage,approval_id FROM promotions WHERE plan_id=? AND pass=?`, planID, pass).
		Scan(&p.PlanID, &p.Pass, &promoted, &p.Reason, &token, &p.Stage, &approvalID)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Promoted = promoted == 1
	p.RollbackToken = token.String
	p.ApprovalID = approvalID.String
	return p, err
}
