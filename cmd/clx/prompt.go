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
)

func promptCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prompt",
		Short: "Manage saved prompts",
		Long:  "Optimized prompts are saved per project and handed out once for execution.",
	}
	p.AddCommand(promptAddCmd())
	p.AddCommand(promptListCmd())
	p.AddCommand(promptShowCmd())
	p.AddCommand(promptExecuteCmd())
	p.AddCommand(promptRemoveCmd())
	p.AddCommand(promptCleanCmd())
	return p
}

func promptAddCmd() *cobra.Command {
	var original, from string
	cmd := &cobra.Command{
		Use:   "add [optimized text]",
		Short: "Save an optimized prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if from != "" {
				data, err := readInput(cmd, from)
				if err != nil {
					return err
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("prompt text required: pass it as arguments or with --from")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := env.Engine.CreatePrompt(ctx, project, original, text, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Saved prompt %s\n", rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&original, "original", "", "the prompt as first written")
	cmd.Flags().StringVar(&from, "from", "", "read the optimized text from a file ('-' for stdin)")
	return cmd
}

func promptListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				list := env.Engine.Prompts
				if pending {
					list = env.Engine.PendingPrompts
				}
				items, err := app.RetryRead(ctx, func() ([]domain.PromptRecord, error) {
					return list(ctx, project)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Saved", "Executed", "Original"})
				for _, p := range items {
					executed := ""
					if p.Executed {
						executed = p.ExecutedAt
					}
					tw.AppendRow(table.Row{p.ID, p.Timestamp, executed, p.OriginalPrompt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only prompts not executed yet")
	return cmd
}

func promptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <prompt-id>",
		Short: "Print a prompt without marking it executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := env.Engine.Prompt(ctx, project, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				status := "pending"
				if rec.Executed {
					status = "executed " + rec.ExecutedAt
				}
				fmt.Printf("Prompt %s (%s, created %s)\n", rec.ID, status, rec.Timestamp)
				if rec.OriginalPrompt != "" {
					fmt.Printf("Original: %s\n", rec.OriginalPrompt)
				}
				fmt.Println()
				fmt.Println(rec.OptimizedText)
				return nil
			})
		},
	}
}

func promptExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <prompt-id>",
		Short: "Print a prompt's optimized text and mark it executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := env.Engine.ExecutePrompt(ctx, project, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Println(rec.OptimizedText)
				return nil
			})
		},
	}
}

func promptRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <prompt-id>",
		Short: "Delete a saved prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.RemovePrompt(ctx, project, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Removed prompt %s\n", args[0])
				return nil
			})
		},
	}
}

func promptCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete every executed prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(nil)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Engine.CleanExecuted(ctx, project, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Printf("Removed %d executed prompts\n", n)
				return nil
			})
		},
	}
}
