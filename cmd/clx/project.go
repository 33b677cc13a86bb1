package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clavix/internal/app"
	"clavix/internal/config"
	"clavix/internal/domain"
	"clavix/internal/engine"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create clavix.yml and the outputs directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg := config.Default()
			if err := os.MkdirAll(cfg.StorageRoot(workspace), 0o755); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect clavix.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the config file exists and is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := viper.GetString("config")
			var (
				cfg *config.Config
				err error
			)
			if path != "" {
				cfg, err = config.FromFile(path)
			} else {
				path = config.Path(workspace)
				cfg, err = config.Load(workspace)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"path":            path,
					"storage_root":    cfg.StorageRoot(workspace),
					"journal_enabled": cfg.Journal.Enabled,
					"webhooks":        len(cfg.Server.Webhooks),
				})
			}
			fmt.Printf("%s is valid\n", path)
			fmt.Printf("  storage root: %s\n", cfg.StorageRoot(workspace))
			if cfg.Journal.Enabled {
				fmt.Printf("  journal: %s\n", cfg.JournalPath(workspace))
			} else {
				fmt.Println("  journal: disabled")
			}
			return nil
		},
	})
	return cfgCmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects and their requirements"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPRDCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active and archived projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return printOverview(ctx, env.Engine)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [project]",
		Short: "Show a project's artifacts, counts and current task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := app.RetryRead(ctx, func() (domain.Project, error) {
					return env.Engine.Status(ctx, project)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printProject(p, true)
				return nil
			})
		},
	}
}

func projectPRDCmd() *cobra.Command {
	var from, file string
	cmd := &cobra.Command{
		Use:   "prd [project]",
		Short: "Print a project's requirements document, or store one with --from",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if from == "" {
					name, data, err := env.Store.ReadRequirements(ctx, project)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]string{"file": name, "content": string(data)})
					}
					_, err = os.Stdout.Write(data)
					return err
				}
				content, err := readInput(cmd, from)
				if err != nil {
					return err
				}
				p, err := env.Engine.WriteRequirements(ctx, project, content, engine.RequirementsOptions{ActorID: actorID(), File: file})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Stored requirements for %s (%s)\n", p.Name, p.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "file to store as the requirements document ('-' for stdin)")
	cmd.Flags().StringVar(&file, "kind", "", "requirements file name, e.g. quick-prd.md (default: first configured)")
	return cmd
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [project]",
		Short: "Show a project's lifecycle state",
		Long:  "Classify a project from the artifacts on disk. With --all, or without a project, every project is listed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, perr := projectArg(args)
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if all || perr != nil {
					return printOverview(ctx, env.Engine)
				}
				p, err := app.RetryRead(ctx, func() (domain.Project, error) {
					return env.Engine.Status(ctx, project)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printProject(p, false)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every project")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [project]",
		Short: "Move a completed project into the archive",
		Long:  "Archive a project whose tasks are all done. --force archives unfinished work.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.Archive(ctx, project, engine.ArchiveOptions{ActorID: actorID(), Force: viper.GetBool("force")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Archived %s\n", p.Name)
				return nil
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [project]",
		Short: "Move an archived project back to the outputs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.Restore(ctx, project, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Restored %s (%s)\n", p.Name, p.State)
				return nil
			})
		},
	}
}

func printOverview(ctx context.Context, e engine.Engine) error {
	items, err := app.RetryRead(ctx, func() ([]domain.Project, error) {
		return e.Overview(ctx)
	})
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "State", "Done", "Blocked", "Total", "Current"})
	for _, p := range items {
		current := ""
		if p.Current != nil {
			current = p.Current.ID
		}
		if p.Error != "" {
			current = "error: " + p.Error
		}
		tw.AppendRow(table.Row{p.Name, p.State, p.Counts.Done, p.Counts.Blocked, p.Counts.Total, current})
	}
	tw.Render()
	return nil
}

func printProject(p domain.Project, artifacts bool) {
	fmt.Printf("Project: %s (%s)\n", p.Name, p.State)
	if p.Counts.Total > 0 {
		fmt.Printf("Tasks: %d done, %d pending, %d blocked of %d\n", p.Counts.Done, p.Counts.Pending, p.Counts.Blocked, p.Counts.Total)
	}
	if p.Current != nil {
		fmt.Printf("Current: %s %s\n", p.Current.ID, p.Current.Description)
	}
	if ic := p.Implementation; ic != nil {
		fmt.Printf("Started: %s by %s\n", ic.StartedAt, ic.StartedBy)
	}
	if !artifacts {
		return
	}
	fmt.Println("Artifacts:")
	fmt.Printf("  requirements: %v %s\n", p.Artifacts.Requirements, p.Artifacts.RequirementsFile)
	fmt.Printf("  task list: %v\n", p.Artifacts.TaskList)
	fmt.Printf("  implementation config: %v\n", p.Artifacts.ImplementConfig)
	if p.Archived {
		fmt.Println("  archived: true")
	}
}

func readInput(cmd *cobra.Command, from string) ([]byte, error) {
	if from == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(from)
}
