package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clavix/internal/app"
	"clavix/internal/mcptools"
	"clavix/internal/repo"
	"clavix/internal/server"
	"clavix/internal/watch"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Journal of changes",
		Long:  "Every task change, import, archive and prompt execution is recorded in the journal.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail [project]",
		Short: "Show the newest journal events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := projectArg(args)
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if !env.Engine.JournalEnabled() {
					return fmt.Errorf("the journal is disabled in %s", env.Workspace)
				}
				events, err := env.Engine.JournalEvents(ctx, repo.EventFilter{
					ProjectID:  project,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (project, task, prompt)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if addr == "" {
					addr = env.Config.Server.Addr
				}
				if basePath == "" {
					basePath = env.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = env.Config.Server.JWTSecret
				}
				if secret == "" {
					env.Logger.Warn("no JWT secret configured; the API accepts unauthenticated requests")
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: env.Logger},
					Logger:   env.Logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, env.Engine, env.Config.Server.Webhooks, env.Logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Clavix API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or CLAVIX_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task ledger as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				s := mcptools.New(env.Engine, mcptools.Options{
					Project: viper.GetString("project"),
					ActorID: actorID(),
				})
				return mcpserver.ServeStdio(s)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Report lifecycle changes as project files change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				w := watch.New(env.Engine, func(c watch.Change) {
					if viper.GetBool("json") {
						_ = printJSON(map[string]any{
							"project":  c.Project,
							"from":     c.Previous.State,
							"to":       c.Current.State,
							"counts":   c.Current.Counts,
							"error":    errString(c.Err),
							"observed": time.Now().UTC().Format(time.RFC3339),
						})
						return
					}
					switch {
					case c.Err != nil:
						fmt.Printf("%s: %v\n", c.Project, c.Err)
					case c.StateChanged():
						fmt.Printf("%s: %s -> %s (%d/%d done)\n", c.Project, c.Previous.State, c.Current.State, c.Current.Counts.Done, c.Current.Counts.Total)
					default:
						fmt.Printf("%s: %d/%d done, %d blocked\n", c.Project, c.Current.Counts.Done, c.Current.Counts.Total, c.Current.Counts.Blocked)
					}
				})
				fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", env.Store.Root())
				return w.Run(ctx)
			})
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
