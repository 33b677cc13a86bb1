package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"clavix/internal/engine"
	"clavix/internal/ledger"
	"clavix/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_current"`
	Message string         `json:"message" example:"task is not the current task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"line\":7}"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Clavix API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation errors are the caller's fault, not a ledger problem.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Clavix API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPrompts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{engine.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
	{engine.ErrPromptNotFound, http.StatusNotFound, "prompt_not_found"},
	{engine.ErrNotFound, http.StatusNotFound, "not_found"},
	{engine.ErrAlreadyDone, http.StatusConflict, "already_done"},
	{engine.ErrNotCurrent, http.StatusConflict, "not_current"},
	{engine.ErrTaskBlocked, http.StatusConflict, "task_blocked"},
	{engine.ErrNotBlocked, http.StatusConflict, "not_blocked"},
	{engine.ErrNotComplete, http.StatusConflict, "not_complete"},
	{engine.ErrNotArchived, http.StatusConflict, "not_archived"},
	{engine.ErrArchived, http.StatusConflict, "archived"},
	{engine.ErrExists, http.StatusConflict, "already_exists"},
	{engine.ErrAlreadyExecuted, http.StatusConflict, "already_executed"},
	{engine.ErrNoTaskList, http.StatusConflict, "no_task_list"},
	{ledger.ErrLockTimeout, http.StatusConflict, "lock_timeout"},
	{engine.ErrEmptyReason, http.StatusBadRequest, "bad_request"},
	{engine.ErrInvalidReason, http.StatusBadRequest, "bad_request"},
	{engine.ErrInvalidTask, http.StatusBadRequest, "bad_request"},
	{ledger.ErrInvalidName, http.StatusBadRequest, "bad_request"},
	{ledger.ErrInvalidStatus, http.StatusBadRequest, "bad_request"},
	{ledger.ErrIO, http.StatusServiceUnavailable, "io_error"},
	{engine.ErrJournal, http.StatusInternalServerError, "journal_error"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var me *ledger.MalformedError
	if errors.As(err, &me) {
		return newAPIError(http.StatusUnprocessableEntity, "malformed_ledger", err.Error(), map[string]any{
			"line":   me.Line,
			"reason": me.Reason,
		})
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Clavix API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      When a JWT secret is configured, authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with their lifecycle state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Overview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Status(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/archive",
		Summary:     "Archive a completed project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		Force   bool   `query:"force"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Archive(ctx, input.Project, engine.ArchiveOptions{ActorID: actorFromContext(ctx), Force: input.Force})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/restore",
		Summary:     "Restore an archived project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Restore(ctx, input.Project, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/tasks",
		Summary:     "List tasks in ledger order",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Tasks(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/next",
		Summary:     "Task to work on now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project     string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		SkipBlocked bool   `query:"skip_blocked"`
	}) (*struct {
		Body NextResponse `json:"body"`
	}, error) {
		next, err := e.NextTask(ctx, input.Project, engine.NextOptions{SkipBlocked: input.SkipBlocked})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextResponse `json:"body"`
		}{Body: nextResponse(next)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/tasks",
		Summary:       "Append a task to a phase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		Body    AddTaskRequest
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.AddTask(ctx, input.Project, input.Body.Phase, input.Body.Description, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/tasks/{task_id}/complete",
		Summary:     "Mark a task done",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		TaskID  string `path:"task_id"`
		Force   bool   `query:"force"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Complete(ctx, input.Project, input.TaskID, engine.TaskOptions{ActorID: actorFromContext(ctx), Force: input.Force})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/tasks/{task_id}/block",
		Summary:     "Block a task with a reason",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		TaskID  string `path:"task_id"`
		Body    BlockTaskRequest
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Block(ctx, input.Project, input.TaskID, input.Body.Reason, engine.TaskOptions{ActorID: actorFromContext(ctx)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/tasks/{task_id}/unblock",
		Summary:     "Return a blocked task to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		TaskID  string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Unblock(ctx, input.Project, input.TaskID, engine.TaskOptions{ActorID: actorFromContext(ctx)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerPrompts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-prompts",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/prompts",
		Summary:     "List prompt records",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		Pending bool   `query:"pending"`
	}) (*struct {
		Body []PromptResponse `json:"body"`
	}, error) {
		list := e.Prompts
		if input.Pending {
			list = e.PendingPrompts
		}
		items, err := list(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PromptResponse `json:"body"`
		}{Body: mapPrompts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-prompt",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/prompts",
		Summary:       "Store an optimized prompt",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		Body    CreatePromptRequest
	}) (*struct {
		Body PromptResponse `json:"body"`
	}, error) {
		rec, err := e.CreatePrompt(ctx, input.Project, input.Body.Original, input.Body.Optimized, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PromptResponse `json:"body"`
		}{Body: promptResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-prompt",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/prompts/{prompt_id}",
		Summary:     "Read a prompt record without executing it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project  string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		PromptID string `path:"prompt_id"`
	}) (*struct {
		Body PromptResponse `json:"body"`
	}, error) {
		rec, err := e.Prompt(ctx, input.Project, input.PromptID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PromptResponse `json:"body"`
		}{Body: promptResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-prompt",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/prompts/{prompt_id}/execute",
		Summary:     "Hand out a prompt and mark it executed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project  string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		PromptID string `path:"prompt_id"`
	}) (*struct {
		Body PromptResponse `json:"body"`
	}, error) {
		rec, err := e.ExecutePrompt(ctx, input.Project, input.PromptID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PromptResponse `json:"body"`
		}{Body: promptResponse(rec)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Project    string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task,prompt"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.JournalEvents(ctx, repo.EventFilter{
			ProjectID:  input.Project,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events/{event_id}",
		Summary:     "Read one journal event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project" pattern:"^[a-z0-9][a-z0-9._-]*$"`
		EventID int64  `path:"event_id" minimum:"1"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		evt, err := e.JournalEvent(ctx, input.Project, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
