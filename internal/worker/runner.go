// Package worker runs the claim loop: register, heartbeat, claim, handle, complete.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"jobgate/internal/config"
	"jobgate/internal/domain"
	"jobgate/internal/engine"
	"jobgate/internal/errs"
	"jobgate/internal/events"
	jobgatesdk "jobgate/sdk/go"
)

const minHeartbeatInterval = 10 * time.Second

// Runner pulls jobs for one registered agent.
type Runner struct {
	Client   Client
	Agent    engine.AgentRegistration
	Config   config.WorkerConfig
	Handlers map[string]Handler
	// Notices, when set, wakes the loop on job.enqueued.
	Notices <-chan events.Notice
	Logger  *slog.Logger

	agentID string
}

// AgentID is set once Run has registered.
func (r *Runner) AgentID() string { return r.agentID }

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) withDefaults() {
	def := config.Default().Worker
	c := &r.Config
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = def.ErrorDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = def.HandlerTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// Run registers, starts heartbeats and claims until ctx is cancelled.
// In-flight jobs are drained before it returns.
func (r *Runner) Run(ctx context.Context) error {
	r.withDefaults()
	reg, err := r.register(ctx)
	if err != nil {
		return err
	}
	r.agentID = reg.AgentID
	log := r.log().With("agent_id", reg.AgentID)
	log.Info("worker registered", "name", r.Agent.Name, "heartbeat_interval", reg.HeartbeatInterval, "concurrency", r.Config.Concurrency)

	var wg conc.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	wg.Go(func() { r.heartbeatLoop(hbCtx, reg.AgentID, reg.HeartbeatInterval) })

	sem := make(chan struct{}, r.Config.Concurrency)
	wake := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	delay := r.Config.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping, draining in-flight jobs")
			stopHeartbeat()
			wg.Wait()
			return nil
		case n, ok := <-r.Notices:
			if !ok {
				r.Notices = nil
				continue
			}
			if n.Type == "job.enqueued" {
				triggerPoll()
			}
			continue
		case <-timer.C:
		case <-wake:
		}

		if len(sem) >= r.Config.Concurrency {
			resetTimer(timer, delay)
			continue
		}
		job, err := r.claim(ctx, reg.AgentID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			log.Warn("claim failed", "error", err)
			delay = r.Config.PollInterval
			resetTimer(timer, r.Config.ErrorDelay)
			continue
		case job == nil:
			resetTimer(timer, delay)
			delay = nextBackoff(delay, r.Config.MaxBackoff)
			continue
		}

		delay = r.Config.PollInterval
		log.Info("claimed job", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		sem <- struct{}{}
		claimed := *job
		wg.Go(func() {
			defer func() {
				<-sem
				triggerPoll()
			}()
			r.process(ctx, reg.AgentID, claimed)
		})
		triggerPoll()
		resetTimer(timer, delay)
	}
}

func (r *Runner) register(ctx context.Context) (Registration, error) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, r.Config.RequestTimeout)
		reg, err := r.Client.Register(callCtx, r.Agent)
		cancel()
		if err == nil {
			return reg, nil
		}
		if permanent(err) {
			return Registration{}, err
		}
		r.log().Warn("register failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return Registration{}, ctx.Err()
		case <-time.After(r.Config.ErrorDelay):
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, agentID string, interval time.Duration) {
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, r.Config.RequestTimeout)
			if err := r.Client.Heartbeat(callCtx, agentID); err != nil && ctx.Err() == nil {
				r.log().Warn("heartbeat failed", "agent_id", agentID, "error", err)
			}
			cancel()
		}
	}
}

func (r *Runner) claim(ctx context.Context, agentID string) (*domain.Job, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.Config.RequestTimeout)
	defer cancel()
	return r.Client.Claim(callCtx, agentID)
}

// process runs the handler and always reports a terminal status.
func (r *Runner) process(ctx context.Context, agentID string, job domain.Job) {
	log := r.log().With("job_id", job.ID, "kind", job.Kind, "agent_id", agentID)
	out := r.handle(ctx, job)
	if out.Status == domain.JobFailed {
		log.Warn("job failed", "error", out.Output["error"])
	}

	// Shutdown must not abandon a finished job, so completion gets its own context.
	callCtx, cancel := context.WithTimeout(context.Background(), r.Config.RequestTimeout)
	defer cancel()
	if err := r.Client.Complete(callCtx, job.ID, agentID, out.Status, out.Output); err != nil {
		log.Error("complete failed", "status", out.Status, "error", err)
		return
	}
	log.Info("job finished", "status", out.Status)
}

func (r *Runner) handle(ctx context.Context, job domain.Job) Outcome {
	h, ok := r.Handlers[job.Kind]
	if !ok {
		return failed(fmt.Sprintf("no handler for kind %s", job.Kind))
	}
	// Handlers outlive a shutdown signal; only their own timeout stops them.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout(job, r.Config.HandlerTimeout))
	defer cancel()

	var (
		catcher panics.Catcher
		out     Outcome
		err     error
	)
	catcher.Try(func() {
		out, err = h(hctx, job)
	})
	if rec := catcher.Recovered(); rec != nil {
		err = errs.New(errs.HandlerFailure, "handler panicked: %v", rec.Value)
	}
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return failed("handler timed out: " + err.Error())
		}
		return failed(err.Error())
	}
	if !domain.IsTerminalJobStatus(out.Status) {
		return failed(fmt.Sprintf("handler returned invalid status %q", out.Status))
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out
}

// handlerTimeout honours a positive deadline_seconds in the payload.
func handlerTimeout(job domain.Job, def time.Duration) time.Duration {
	var p struct {
		DeadlineSeconds float64 `json:"deadline_seconds"`
	}
	if len(job.Payload) > 0 && json.Unmarshal(job.Payload, &p) == nil && p.DeadlineSeconds > 0 {
		return time.Duration(p.DeadlineSeconds * float64(time.Second))
	}
	return def
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	if errs.KindOf(err) == errs.InvalidInput || errs.KindOf(err) == errs.Unauthorized {
		return true
	}
	var apiErr *jobgatesdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
