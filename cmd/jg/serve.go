package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobgate/internal/app"
	"jobgate/internal/config"
	"jobgate/internal/engine"
	"jobgate/internal/logger"
	"jobgate/internal/server"
	"jobgate/internal/sweep"
	"jobgate/internal/worker"
	jobgatesdk "jobgate/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	var runSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API, the OpenAPI document and /metrics. Optionally runs embedded workers, the liveness sweep and webhook delivery in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{WithMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			cfg, e, log := a.Config, a.Engine, a.Logger
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        server.AuthConfig{APIKey: cfg.Auth.APIKey, Logger: log},
				RateLimit:   server.RateLimitConfig{RPS: cfg.Server.RateLimit.RPS, Burst: cfg.Server.RateLimit.Burst},
				CORSOrigins: cfg.Server.CORSOrigins,
				Metrics:     a.Metrics,
				Logger:      log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			p := pool.New().WithContext(ctx).WithCancelOnError()
			p.Go(func(ctx context.Context) error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			p.Go(func(ctx context.Context) error {
				log.Info("serving jobgate api", slog.String("addr", addr), slog.String("base_path", basePath))
				fmt.Printf("Serving Jobgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if runSweep {
				s := sweep.Sweeper{Store: e, Interval: cfg.Sweep.Interval, StuckAfter: cfg.Sweep.StuckAfter, Logger: log.With(slog.String("component", "sweep"))}
				p.Go(s.Run)
			}
			if d := server.NewWebhookDispatcher(e, cfg.Webhooks, log.With(slog.String("component", "webhooks"))); d != nil {
				p.Go(func(ctx context.Context) error {
					d.Run(ctx)
					return nil
				})
			}
			host, _ := os.Hostname()
			for i := 0; i < workers; i++ {
				subID, notices := e.Bus.Subscribe(16)
				defer e.Bus.Unsubscribe(subID)
				local := worker.Local{Engine: e, ActorID: "worker"}
				r := &worker.Runner{
					Client:   local,
					Agent:    engine.AgentRegistration{Name: fmt.Sprintf("embedded-%d", i+1), Tenant: "default", Host: host, Version: version},
					Config:   cfg.Worker,
					Handlers: worker.DefaultHandlers(local, cfg.Worker.RequestTimeout, cfg.Worker.HTTPBodySample, time.Now),
					Notices:  notices,
					Logger:   log.With(slog.String("component", "worker"), slog.Int("worker", i+1)),
				}
				p.Go(r.Run)
			}
			return p.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from jobgate.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from jobgate.yml)")
	cmd.Flags().IntVar(&workers, "workers", 0, "embedded workers to run in this process")
	cmd.Flags().BoolVar(&runSweep, "sweep", true, "run the liveness sweep")
	return cmd
}

func workerCmd() *cobra.Command {
	var name, tenant string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker against a remote API",
		Long:  "Registers as an agent, heartbeats, claims jobs and reports results. Handles echo, http and pipeline jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			log, closeLog := logger.Setup(cfg.Log.File, cfg.SlogLevel())
			defer closeLog()
			baseURL := viper.GetString("base-url")
			if baseURL == "" {
				return errors.New("--base-url (or JOBGATE_BASE_URL) is required")
			}
			api := jobgatesdk.New(baseURL, viper.GetString("api-key"))
			api.Timeout = cfg.Worker.RequestTimeout
			remote := worker.Remote{API: api}
			wcfg := cfg.Worker
			if concurrency > 0 {
				wcfg.Concurrency = concurrency
			}
			host, _ := os.Hostname()
			if name == "" {
				name = host
			}
			r := &worker.Runner{
				Client:   remote,
				Agent:    engine.AgentRegistration{Name: name, Tenant: tenant, Host: host, Version: version},
				Config:   wcfg,
				Handlers: worker.DefaultHandlers(remote, cfg.Worker.RequestTimeout, cfg.Worker.HTTPBodySample, time.Now),
				Logger:   log,
			}
			return r.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name (default hostname)")
	cmd.Flags().StringVar(&tenant, "tenant", "default", "agent tenant")
	cmd.Flags().String("base-url", "", "API base URL, e.g. http://127.0.0.1:8001")
	cmd.Flags().String("api-key", "", "API key")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "jobs handled at once (default from jobgate.yml)")
	_ = viper.BindPFlag("base-url", cmd.Flags().Lookup("base-url"))
	_ = viper.BindPFlag("api-key", cmd.Flags().Lookup("api-key"))
	return cmd
}

func sweepCmd() *cobra.Command {
	var ageSeconds int
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Requeue stuck jobs and mark silent agents stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				s := sweep.Sweeper{Store: a.Engine, Interval: a.Config.Sweep.Interval, StuckAfter: a.Config.Sweep.StuckAfter, Logger: a.Logger}
				if ageSeconds > 0 {
					s.StuckAfter = time.Duration(ageSeconds) * time.Second
				}
				if loop {
					return s.Run(ctx)
				}
				res, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("requeued %d job(s), marked %d agent(s) stale\n", len(res.Requeued), len(res.Stale))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&ageSeconds, "age-seconds", 0, "requeue in-progress jobs older than this (default from jobgate.yml)")
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping on the configured interval")
	return cmd
}
