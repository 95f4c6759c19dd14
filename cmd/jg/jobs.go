package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"jobgate/internal/app"
	"jobgate/internal/domain"
	"jobgate/internal/engine"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs are units of work with a kind and a JSON payload. Agents claim queued jobs and report a terminal status.",
	}
	job.AddCommand(jobEnqueueCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobRecentCmd())
	job.AddCommand(jobTotalsCmd())
	job.AddCommand(jobRetryCmd())
	job.AddCommand(jobCompleteCmd())
	return job
}

func jobEnqueueCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Enqueue a job",
		Example: `  jg job enqueue echo --payload '{"msg":"hello"}'
  jg job enqueue http --payload @request.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readJSONArg(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.Enqueue(ctx, args[0], body, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(j, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Kind", "Status"})
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Status})
				})
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload, @file or - for stdin")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func jobRecentCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Engine.RecentJobs(ctx, limit, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(jobs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Agent", "Attempts", "Updated"})
					for _, j := range jobs {
						tw.AppendRow(table.Row{j.ID, j.Kind, j.Status, deref(j.AgentID), j.Attempts, j.UpdatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobTotalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "totals",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Totals(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Status", "Jobs"})
					tw.AppendRows([]table.Row{
						{domain.JobQueued, t.Queued},
						{domain.JobInProgress, t.InProgress},
						{domain.JobCompleted, t.Completed},
						{domain.JobFailed, t.Failed},
						{domain.JobNeedsRevision, t.NeedsRevision},
					})
				})
			})
		},
	}
}

func jobRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a failed or needs_revision job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.Retry(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(j, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Status", "Attempts"})
					tw.AppendRow(table.Row{j.ID, j.Status, j.Attempts})
				})
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	var agentID, status, output string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Record a terminal status for an in-progress job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := readJSONArg(output)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Complete(ctx, engine.Completion{JobID: args[0], AgentID: agentID, Status: status, Output: out}); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ok": true, "status": status}, func(tw table.Writer) {
					tw.AppendRow(table.Row{args[0], status})
				})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "claiming agent; when set the completion must come from it")
	cmd.Flags().StringVar(&status, "status", domain.JobCompleted, "completed, failed or needs_revision")
	cmd.Flags().StringVar(&output, "output", "", "JSON output, @file or - for stdin")
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents register once, heartbeat to stay active and turn stale when they go quiet.",
	}
	ag.AddCommand(agentRegisterCmd())
	ag.AddCommand(agentHeartbeatCmd())
	ag.AddCommand(agentListCmd())
	return ag
}

func agentRegisterCmd() *cobra.Command {
	var reg engine.AgentRegistration
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg.Name = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, hb, err := a.Engine.RegisterAgent(ctx, reg)
				if err != nil {
					return err
				}
				out := map[string]any{"agent": agent, "heartbeat_interval": int(hb / time.Second)}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Tenant", "Heartbeat"})
					tw.AppendRow(table.Row{agent.ID, agent.Name, agent.Tenant, hb.String()})
				})
			})
		},
	}
	cmd.Flags().StringVar(&reg.Tenant, "tenant", "default", "tenant")
	cmd.Flags().StringVar(&reg.Host, "host", "", "host name")
	cmd.Flags().StringVar(&reg.Version, "agent-version", "", "agent version")
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Heartbeat(ctx, args[0], nil); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents with their effective liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents, err := a.Engine.ListAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(agents, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Tenant", "Status", "Last heartbeat"})
					for _, ag := range agents {
						tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Tenant, ag.Status, deref(ag.LastHeartbeat)})
					}
				})
			})
		},
	}
}
