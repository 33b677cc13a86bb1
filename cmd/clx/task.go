package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clavix/internal/app"
	"clavix/internal/domain"
	"clavix/internal/engine"
)

func nextCmd() *cobra.Command {
	var skipBlocked bool
	cmd := &cobra.Command{
		Use:   "next [project]",
		Short: "Show the task to work on now",
		Long:  "Print the first task that is not done. A blocked task is reported with its reason unless --skip-blocked is set.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				next, err := app.RetryRead(ctx, func() (engine.Next, error) {
					return env.Engine.NextTask(ctx, project, engine.NextOptions{SkipBlocked: skipBlocked})
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(next)
				}
				switch next.Outcome {
				case engine.OutcomeNoneRemaining:
					fmt.Printf("All tasks in %s are done.\n", project)
				case engine.OutcomeBlocked:
					fmt.Printf("Blocked: %s %s\nReason: %s\n", next.Task.ID, next.Task.Description, next.Reason)
				default:
					fmt.Printf("%s %s\n", next.Task.ID, next.Task.Description)
					if next.Task.Phase != "" {
						fmt.Printf("Phase: %s\n", next.Task.Phase)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipBlocked, "skip-blocked", false, "move past blocked tasks to the first pending one")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work with a project's task list",
		Long:  "Tasks live in the project's tasks.md. Every change rewrites exactly one checkbox line and leaves the rest of the file untouched.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskUnblockCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskImportCmd())
	task.AddCommand(taskStartCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list [project]",
		Short: "List tasks in ledger order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			want := domain.TaskStatus(strings.ToLower(strings.TrimSpace(status)))
			if want != "" && !want.Valid() {
				return fmt.Errorf("unknown status %q (pending, done, blocked)", status)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				tasks, err := app.RetryRead(ctx, func() ([]domain.Task, error) {
					return env.Engine.Tasks(ctx, project)
				})
				if err != nil {
					return err
				}
				if want != "" {
					filtered := tasks[:0]
					for _, t := range tasks {
						if t.Status == want {
							filtered = append(filtered, t)
						}
					}
					tasks = filtered
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Description", "Phase"})
				for _, t := range tasks {
					desc := t.Description
					if t.Status == domain.TaskBlocked {
						desc = fmt.Sprintf("%s (blocked: %s)", desc, t.BlockReason)
					}
					tw.AppendRow(table.Row{t.ID, t.Status, desc, t.Phase})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, done, blocked)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task done",
		Long:  "Complete the current task. Completing another task, or a blocked one, needs --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTask(cmd, func(ctx context.Context, e engine.Engine, project string) (domain.Task, error) {
				return e.Complete(ctx, project, args[0], engine.TaskOptions{ActorID: actorID(), Force: viper.GetBool("force")})
			}, "Completed")
		},
	}
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Mark a task blocked with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTask(cmd, func(ctx context.Context, e engine.Engine, project string) (domain.Task, error) {
				return e.Block(ctx, project, args[0], reason, engine.TaskOptions{ActorID: actorID()})
			}, "Blocked")
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task cannot proceed (single line)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Return a blocked task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTask(cmd, func(ctx context.Context, e engine.Engine, project string) (domain.Task, error) {
				return e.Unblock(ctx, project, args[0], engine.TaskOptions{ActorID: actorID()})
			}, "Unblocked")
		},
	}
}

func taskAddCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "add <description>",
		Short: "Append a task to a phase",
		Long:  "Append a pending task after the last task of --phase (a heading or phase name; default: the last phase). A missing phase is created.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := strings.Join(args, " ")
			return mutateTask(cmd, func(ctx context.Context, e engine.Engine, project string) (domain.Task, error) {
				return e.AddTask(ctx, project, phase, desc, actorID())
			}, "Added")
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase heading or name")
	return cmd
}

func mutateTask(cmd *cobra.Command, fn func(context.Context, engine.Engine, string) (domain.Task, error), verb string) error {
	project, err := projectArg(nil)
	if err != nil {
		return err
	}
	return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
		t, err := fn(ctx, env.Engine, project)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(t)
		}
		fmt.Printf("%s %s %s\n", verb, t.ID, t.Description)
		return nil
	})
}

func taskImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Store a complete task list",
		Long:  "Store a planner-generated tasks.md. The document must already follow the ledger grammar; an existing list is only replaced with --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			doc, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.ImportTasks(ctx, project, doc, engine.ImportOptions{ActorID: actorID(), Force: viper.GetBool("force")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Imported %d tasks into %s (%s)\n", p.Counts.Total, p.Name, p.State)
				return nil
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [project]",
		Short: "Write the implementation config and begin implementing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				started, err := env.Engine.StartImplementation(ctx, project, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": project, "started": started})
				}
				if started {
					fmt.Printf("Started implementing %s\n", project)
				} else {
					fmt.Printf("%s was already started\n", project)
				}
				return nil
			})
		},
	}
}
