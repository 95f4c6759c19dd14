// Package app wires a workspace into a ready engine: config, logging, database, storage and metrics.
package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"jobgate/internal/config"
	"jobgate/internal/db"
	"jobgate/internal/engine"
	"jobgate/internal/logger"
	"jobgate/internal/migrate"
	"jobgate/internal/observability"
	"jobgate/internal/storage"
)

var setupLogger = logger.Setup

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
	// Metrics serves the Prometheus scrape endpoint; nil when metrics are off.
	Metrics http.Handler

	closers []func(context.Context) error
}

type Options struct {
	// WithMetrics installs the OpenTelemetry provider. Only long-running commands need it.
	WithMetrics bool
	// Logger overrides the configured logger.
	Logger *slog.Logger
}

// Open loads jobgate.yml from the workspace, migrates the database and builds the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		log, closeLog := setupLogger(cfg.Log.File, cfg.SlogLevel())
		a.Logger = log
		a.closers = append(a.closers, func(context.Context) error { return closeLog() })
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		a.Close(ctx)
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		a.Close(ctx)
		return nil, err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	e.Logger = a.Logger
	artifacts, err := storage.New(ctx, cfg.Storage, workspace)
	if err != nil {
		// Bundles are best-effort; the pipeline runs without them.
		a.Logger.Warn("artifact storage unavailable", slog.String("type", cfg.Storage.Type), slog.String("error", err.Error()))
	} else {
		e.Artifacts = artifacts
	}
	if opts.WithMetrics {
		handler, meter, shutdown, err := observability.InitMetrics()
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
		m, err := observability.NewMetrics(meter)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		e.Metrics = m
		if err := observability.RegisterQueueGauge(meter, e.Totals); err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Metrics = handler
	}
	a.Engine = e
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
