package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clavix/internal/app"
	"clavix/internal/ledger"
)

var rootCmd = &cobra.Command{
	Use:   "clx",
	Short: "Clavix task ledger CLI",
	Long: `Clavix tracks implementation progress for projects planned from a requirements document.
Core concepts:
- Project: a directory under the outputs root holding a requirements document, a task list and prompt records.
- Task list: tasks.md, a markdown checklist where every task carries a stable "Task ID:" line. Clavix only ever rewrites the one checkbox line it changes.
- Lifecycle: no_project -> requirements_exist -> tasks_exist -> implementing -> all_complete -> archived, derived from the files on disk.
- Blocked tasks: "- [ ] [BLOCKED: reason] ..." stays pending but is reported instead of silently skipped.
- Journal: every change is recorded; view it with 'clx log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLAVIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding clavix.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor recorded in the journal (default \"local\")")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project name when not given as an argument")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "config file to use instead of <workspace>/clavix.yml")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(promptCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(watchCmd())
}

// exitCode separates ledger problems a user must fix by hand from other
// failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMalformed):
		return 3
	case errors.Is(err, ledger.ErrLockTimeout):
		return 4
	default:
		return 1
	}
}

// --- helpers ---

func openEnv(ctx context.Context, opts app.Options) (*app.Env, error) {
	opts.Workspace = viper.GetString("workspace")
	opts.LogLevel = viper.GetString("log-level")
	opts.ConfigFile = viper.GetString("config")
	return app.Open(ctx, opts)
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := openEnv(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// projectArg takes the project from the first argument, falling back to
// --project / CLAVIX_PROJECT.
func projectArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if p := strings.TrimSpace(viper.GetString("project")); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("project required: pass it as an argument or with --project")
}

func actorID() string { return viper.GetString("actor-id") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
