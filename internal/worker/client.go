package worker

import (
	"context"
	"encoding/json"
	"time"

	"jobgate/internal/domain"
	"jobgate/internal/engine"
	jobgatesdk "jobgate/sdk/go"
)

// Registration is what the store hands back to a registering worker.
type Registration struct {
	AgentID           string
	HeartbeatInterval time.Duration
}

// Client is the worker's view of the work store.
type Client interface {
	Register(ctx context.Context, reg engine.AgentRegistration) (Registration, error)
	Heartbeat(ctx context.Context, agentID string) error
	Claim(ctx context.Context, agentID string) (*domain.Job, error)
	Complete(ctx context.Context, jobID, agentID, status string, output map[string]any) error
}

// Local drives an in-process engine.
type Local struct {
	Engine  engine.Engine
	ActorID string
}

func (l Local) Register(ctx context.Context, reg engine.AgentRegistration) (Registration, error) {
	agent, hb, err := l.Engine.RegisterAgent(ctx, reg)
	if err != nil {
		return Registration{}, err
	}
	return Registration{AgentID: agent.ID, HeartbeatInterval: hb}, nil
}

func (l Local) Heartbeat(ctx context.Context, agentID string) error {
	return l.Engine.Heartbeat(ctx, agentID, nil)
}

func (l Local) Claim(ctx context.Context, agentID string) (*domain.Job, error) {
	return l.Engine.Claim(ctx, agentID)
}

func (l Local) Complete(ctx context.Context, jobID, agentID, status string, output map[string]any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	return l.Engine.Complete(ctx, engine.Completion{JobID: jobID, AgentID: agentID, Status: status, Output: raw})
}

func (l Local) RunIntent(ctx context.Context, title, description, priority string) (domain.PromotionResult, error) {
	_, res, err := l.Engine.RunIntent(ctx, title, description, priority, l.actor())
	return res, err
}

func (l Local) actor() string {
	if l.ActorID == "" {
		return "worker"
	}
	return l.ActorID
}

// Remote talks to a jobgate server over HTTP.
type Remote struct {
	API *jobgatesdk.Client
}

func (r Remote) Register(ctx context.Context, reg engine.AgentRegistration) (Registration, error) {
	resp, err := r.API.RegisterAgent(ctx, jobgatesdk.AgentRegistration{
		Name:    reg.Name,
		Tenant:  reg.Tenant,
		Host:    reg.Host,
		Version: reg.Version,
	})
	if err != nil {
		return Registration{}, err
	}
	return Registration{AgentID: resp.ID, HeartbeatInterval: time.Duration(resp.HeartbeatInterval) * time.Second}, nil
}

func (r Remote) Heartbeat(ctx context.Context, agentID string) error {
	return r.API.Heartbeat(ctx, agentID, nil)
}

func (r Remote) Claim(ctx context.Context, agentID string) (*domain.Job, error) {
	job, err := r.API.Claim(ctx, agentID)
	if err != nil || job == nil {
		return nil, err
	}
	out := domain.Job(*job)
	return &out, nil
}

func (r Remote) Complete(ctx context.Context, jobID, agentID, status string, output map[string]any) error {
	return r.API.Complete(ctx, jobID, agentID, status, output)
}

func (r Remote) RunIntent(ctx context.Context, title, description, priority string) (domain.PromotionResult, error) {
	run, err := r.API.RunIntent(ctx, title, description, priority)
	if err != nil {
		return domain.PromotionResult{}, err
	}
	return domain.PromotionResult(run.Promotion), nil
}
