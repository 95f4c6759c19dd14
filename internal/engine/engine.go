package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobgate/internal/config"
	"jobgate/internal/errs"
	"jobgate/internal/events"
	"jobgate/internal/observability"
	"jobgate/internal/pipeline"
	"jobgate/internal/repo"
	"jobgate/internal/storage"
)

// Engine owns every state transition. Each mutation runs in one transaction together with its event row;
// bus notices and metrics are emitted only after commit.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Bus       *events.Bus
	Config    *config.Config
	Pipeline  *pipeline.Runner
	Artifacts storage.Storage
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	gates, err := pipeline.NewGates(cfg.Pipeline)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Bus:    events.NewBus(),
		Config: cfg,
		Pipeline: &pipeline.Runner{
			Registry: pipeline.DefaultRegistry(),
			Planner:  pipeline.NewPlanner(cfg.Pipeline.Rules),
			Gates:    gates,
		},
		Now: time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// runner returns the pipeline runner bound to the engine clock and logger.
func (e Engine) runner() *pipeline.Runner {
	r := pipeline.Runner{}
	if e.Pipeline != nil {
		r = *e.Pipeline
	}
	r.Now = e.now
	if r.Logger == nil {
		r.Logger = e.log()
	}
	return &r
}

// withTx runs fn in a transaction with the event writer bound to the engine clock.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errs.FromStore(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return errs.FromStore(err)
	}
	return errs.FromStore(tx.Commit())
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return errs.New(errs.NotFound, format, args...)
	}
	return err
}
