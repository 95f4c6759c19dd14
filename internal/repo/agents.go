package repo

import (
	"context"
	"database/sql"

	"jobgate/internal/domain"
)

const agentCols = `id,name,tenant,COALESCE(host,''),COALESCE(version,''),status,last_heartbeat,created_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var hb sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Tenant, &a.Host, &a.Version, &a.Status, &hb, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.LastHeartbeat = stringPtr(hb)
	return a, err
}

// UpsertAgent inserts the agent or refreshes the row already registered under (tenant, name).
// The stored id wins on conflict so re-registration keeps a stable identity.
func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) (domain.Agent, error) {
	row := r.q(tx).QueryRowContext(ctx, `INSERT INTO agents(id,name,tenant,host,version,status,last_heartbeat,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(tenant,name) DO UPDATE SET host=excluded.host, version=excluded.version, status=excluded.status, last_heartbeat=excluded.last_heartbeat
RETURNING `+agentCols,
		a.ID, a.Name, a.Tenant, nullable(a.Host), nullable(a.Version), a.Status, nullableStringPtr(a.LastHeartbeat), a.CreatedAt)
	return scanAgent(row)
}

// TouchAgent records a heartbeat and marks the agent active.
func (r Repo) TouchAgent(ctx context.Context, tx *sql.Tx, id, ts string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET last_heartbeat=?, status=? WHERE id=?`, ts, domain.AgentActive, id)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkStaleAgents flips active agents whose last heartbeat is older than cutoff to stale.
func (r Repo) MarkStaleAgents(ctx context.Context, tx *sql.Tx, cutoff string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE agents SET status=? WHERE status=? AND (last_heartbeat IS NULL OR last_heartbeat < ?) RETURNING id`,
		domain.AgentStale, domain.AgentActive, cutoff)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
