package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobgate/internal/app"
	"jobgate/internal/domain"
)

func planCmd() *cobra.Command {
	pl := &cobra.Command{
		Use:   "plan",
		Short: "Plan intents and run them through the gates",
		Long:  "A plan turns an intent into tasks, runs them, checks every configured gate and promotes only when all gates pass.",
	}
	pl.AddCommand(planCreateCmd())
	pl.AddCommand(planRunCmd())
	pl.AddCommand(planShowCmd())
	pl.AddCommand(planListCmd())
	pl.AddCommand(planBundleCmd())
	return pl
}

type intentFlags struct {
	title, description, priority string
}

func (f *intentFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "intent title")
	cmd.Flags().StringVar(&f.description, "description", "", "intent description")
	cmd.Flags().StringVar(&f.priority, "priority", domain.PriorityMedium, "low, medium, high or urgent")
	_ = cmd.MarkFlagRequired("title")
}

func planCreateCmd() *cobra.Command {
	var f intentFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Plan an intent without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.PlanFromIntent(ctx, f.title, f.description, f.priority, actor())
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func planRunCmd() *cobra.Command {
	var f intentFlags
	cmd := &cobra.Command{
		Use:   "run [plan-id]",
		Short: "Run a plan, or plan and run a new intent with --title",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && f.title == "" {
				return fmt.Errorf("pass a plan id or --title")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					res domain.PromotionResult
					err error
				)
				if len(args) == 1 {
					res, err = a.Engine.RunPipeline(ctx, args[0], actor())
				} else {
					_, res, err = a.Engine.RunIntent(ctx, f.title, f.description, f.priority, actor())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Plan", "Promoted", "Stage", "Pass", "Reason", "Approval"})
					tw.AppendRow(table.Row{res.PlanID, res.Promoted, res.Stage, res.Pass, res.Reason, res.ApprovalID})
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.title, "title", "", "intent title")
	cmd.Flags().StringVar(&f.description, "description", "", "intent description")
	cmd.Flags().StringVar(&f.priority, "priority", domain.PriorityMedium, "low, medium, high or urgent")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
}

func planListCmd() *cobra.Command {
	var limit int
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plans, err := a.Engine.ListPlans(ctx, limit, stage)
				if err != nil {
					return err
				}
				return printJSONOrTable(plans, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Stage", "Pass", "Updated"})
					for _, p := range plans {
						tw.AppendRow(table.Row{p.ID, p.Intent.Title, p.Intent.Priority, p.Stage, p.Pass, p.UpdatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of plans")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func planBundleCmd() *cobra.Command {
	var pass int
	var out string
	cmd := &cobra.Command{
		Use:   "bundle <plan-id>",
		Short: "Print or save the artifact bundle of an evaluation pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := a.Engine.ReadBundle(ctx, args[0], pass)
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&pass, "pass", 0, "evaluation pass (default latest)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func printPlan(p domain.Plan) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Plan: %s [%s, pass %d]\n", p.ID, p.Stage, p.Pass)
	fmt.Printf("Intent: %s (%s)\n", p.Intent.Title, p.Intent.Priority)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Tool", "Status", "Error"})
	for _, t := range p.Tasks {
		tw.AppendRow(table.Row{t.Name, t.Tool, t.Status, t.Error})
	}
	tw.Render()
	return nil
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approval",
		Short: "Request and decide approvals",
		Long:  "Approvals record a human decision on a subject. On plans, approve moves to promote, needs_changes back to plan and reject ends it.",
	}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalHistoryCmd())
	ap.AddCommand(approvalDecideCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var approvalType, content string
	cmd := &cobra.Command{
		Use:   "request <subject-id>",
		Short: "Open an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readJSONArg(content)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.RequestApproval(ctx, approvalType, args[0], body, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(req, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Subject", "Status"})
					tw.AppendRow(table.Row{req.ID, req.Type, req.SubjectID, req.Status})
				})
			})
		},
	}
	cmd.Flags().StringVar(&approvalType, "type", "plan", "approval type")
	cmd.Flags().StringVar(&content, "content", "", "JSON content, @file or - for stdin")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var approvalType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPending(ctx, approvalType, limit)
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	cmd.Flags().StringVar(&approvalType, "type", "", "approval type filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of approvals")
	return cmd
}

func approvalHistoryCmd() *cobra.Command {
	var subjectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List decided approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListHistory(ctx, subjectID, limit)
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject id filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of approvals")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "decide <approval-id> <approve|needs_changes|reject>",
		Short: "Decide a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Decide(ctx, args[0], args[1], feedback, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Approval", "Status", "Next"})
					tw.AppendRow(table.Row{d.ApprovalID, d.Status, d.NextAction})
				})
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the requester")
	return cmd
}

func printApprovals(items []domain.ApprovalRequest) error {
	return printJSONOrTable(items, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Type", "Subject", "Status", "Decided by", "Feedback"})
		for _, it := range items {
			tw.AppendRow(table.Row{it.ID, it.Type, it.SubjectID, it.Status, it.DecidedBy, strings.TrimSpace(it.Feedback)})
		}
	})
}
