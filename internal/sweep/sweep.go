// Package sweep periodically returns stuck jobs to the queue and marks silent agents stale.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"jobgate/internal/errs"
)

// Store is the part of the engine the sweep drives.
type Store interface {
	RequeueStuck(ctx context.Context, olderThan time.Duration) ([]string, error)
	MarkStaleAgents(ctx context.Context) ([]string, error)
}

type Sweeper struct {
	Store      Store
	Interval   time.Duration
	StuckAfter time.Duration
	Logger     *slog.Logger
}

type Result struct {
	Requeued []string `json:"requeued"`
	Stale    []string `json:"stale"`
}

func (s Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunOnce performs a single pass. A failing step does not stop the other one.
func (s Sweeper) RunOnce(ctx context.Context) (Result, error) {
	stuckAfter := s.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 300 * time.Second
	}
	var res Result
	requeued, reqErr := s.Store.RequeueStuck(ctx, stuckAfter)
	if reqErr == nil {
		res.Requeued = requeued
	}
	stale, staleErr := s.Store.MarkStaleAgents(ctx)
	if staleErr == nil {
		res.Stale = stale
	}
	if reqErr != nil {
		return res, reqErr
	}
	return res, staleErr
}

// Run ticks until ctx is cancelled. Store errors are logged and retried on the next tick.
func (s Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger().Info("sweep started", slog.Duration("interval", interval), slog.Duration("stuck_after", s.StuckAfter))
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("sweep stopped")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger().Warn("sweep tick failed", slog.String("error", err.Error()), slog.Bool("retryable", errs.KindOf(err).Retryable()))
			}
			if len(res.Requeued) > 0 || len(res.Stale) > 0 {
				s.logger().Info("sweep tick", slog.Int("requeued", len(res.Requeued)), slog.Int("stale_agents", len(res.Stale)))
			}
		}
	}
}
