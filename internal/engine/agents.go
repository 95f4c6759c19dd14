package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobgate/internal/domain"
	"jobgate/internal/errs"
	"jobgate/internal/events"
)

type AgentRegistration struct {
	Name    string
	Tenant  string
	Host    string
	Version string
}

// RegisterAgent upserts on (tenant, name) so a restarted worker keeps its id.
// It returns the heartbeat interval the agent should use.
func (e Engine) RegisterAgent(ctx context.Context, reg AgentRegistration) (domain.Agent, time.Duration, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return domain.Agent{}, 0, errs.New(errs.InvalidInput, "name is required")
	}
	if strings.TrimSpace(reg.Tenant) == "" {
		reg.Tenant = "default"
	}
	ts := domain.FormatTime(e.now())
	var agent domain.Agent
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		agent, err = e.Repo.UpsertAgent(ctx, tx, domain.Agent{
			ID:            uuid.NewString(),
			Name:          reg.Name,
			Tenant:        reg.Tenant,
			Host:          reg.Host,
			Version:       reg.Version,
			Status:        domain.AgentActive,
			LastHeartbeat: &ts,
			CreatedAt:     ts,
		})
		if err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "agent.registered", "agent", agent.ID, agent.ID, events.EventPayload{"name": agent.Name, "tenant": agent.Tenant, "host": agent.Host})
	})
	if err != nil {
		return domain.Agent{}, 0, err
	}
	return agent, e.config().Liveness.HeartbeatInterval, nil
}

// Heartbeat records liveness. at defaults to the engine clock.
func (e Engine) Heartbeat(ctx context.Context, agentID string, at *time.Time) error {
	if strings.TrimSpace(agentID) == "" {
		return errs.New(errs.InvalidInput, "agent_id is required")
	}
	ts := e.now()
	if at != nil && !at.IsZero() {
		ts = at.UTC()
	}
	if err := e.Repo.TouchAgent(ctx, nil, agentID, domain.FormatTime(ts)); err != nil {
		return errs.FromStore(notFound(err, "agent %s not found", agentID))
	}
	return nil
}

// ListAgents reports each agent with its status computed against the liveness window.
func (e Engine) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return nil, errs.FromStore(err)
	}
	now := e.now()
	for i := range agents {
		agents[i].Status = e.effectiveStatus(agents[i], now)
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	return agents, nil
}

func (e Engine) effectiveStatus(a domain.Agent, now time.Time) string {
	if a.LastHeartbeat == nil {
		return domain.AgentUnknown
	}
	hb, err := domain.ParseTime(*a.LastHeartbeat)
	if err != nil {
		return domain.AgentUnknown
	}
	if now.Sub(hb) > e.config().StaleAfter() {
		return domain.AgentStale
	}
	return domain.AgentActive
}

// MarkStaleAgents persists stale for agents outside the liveness window. Their jobs are left alone;
// the stuck-job sweep is what releases work.
func (e Engine) MarkStaleAgents(ctx context.Context) ([]string, error) {
	cutoff := domain.FormatTime(e.now().Add(-e.config().StaleAfter()))
	var ids []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = e.Repo.MarkStaleAgents(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := e.appendEvent(ctx, tx, "agent.stale", "agent", id, "", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
