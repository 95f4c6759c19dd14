package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobgate/internal/app"
	"jobgate/internal/db"
	"jobgate/internal/errs"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "jg",
	Short: "Jobgate CLI",
	Long: `Jobgate hands jobs to registered agents and runs intents through a gated promotion pipeline.
Core concepts:
- Workspace: the .jobgate directory holding the SQLite database and artifact bundles; jobgate.yml sits next to it.
- Jobs: kind + JSON payload; queued -> in_progress -> completed/failed/needs_revision. Exactly one agent wins a claim.
- Agents: registered workers that heartbeat; silent agents turn stale and the sweep returns their jobs to the queue.
- Plans: an intent turned into tasks, run through gates (build, safety, security, ...) and promoted only if every gate passes.
- Approvals: human decisions on plans; approve proceeds, needs_changes revises, reject terminates.
- Event log: every mutation is recorded, view with 'jg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor identifier recorded in events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func actor() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONArg accepts inline JSON, @path to read a file, or - for stdin. Empty means {}.
func readJSONArg(arg string) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "":
		return json.RawMessage(`{}`), nil
	case arg == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		data = b
	default:
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, errs.New(errs.InvalidInput, "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// exitCode maps error kinds so scripts can tell a missing entity from a lost race.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return 3
	case errs.Conflict:
		return 4
	case errs.InvalidInput:
		return 2
	default:
		return 1
	}
}
