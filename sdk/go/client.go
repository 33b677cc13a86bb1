package clavixsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Clavix HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	Project     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, project string) *Client {
	return &Client{
		BaseURL: baseURL,
		Project: project,
		Timeout: 10 * time.Second,
	}
}

// Task is a ledger task.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	BlockReason string `json:"block_reason,omitempty"`
	Order       int    `json:"order"`
	Phase       string `json:"phase,omitempty"`
}

// Counts tallies a project's tasks.
type Counts struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Pending int `json:"pending"`
	Blocked int `json:"blocked"`
}

// Project is a project's classified status.
type Project struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Archived  bool   `json:"archived"`
	Counts    Counts `json:"counts"`
	Remaining int    `json:"remaining"`
	Current   *Task  `json:"current,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	StartedBy string `json:"started_by,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Next answers "what should be worked on now". Outcome is task,
// none_remaining or blocked.
type Next struct {
	Outcome string `json:"outcome"`
	State   string `json:"state"`
	Task    *Task  `json:"task,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Prompt is a saved prompt record.
type Prompt struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	Executed       bool   `json:"executed"`
	ExecutedAt     string `json:"executed_at,omitempty"`
	OriginalPrompt string `json:"original_prompt,omitempty"`
	OptimizedText  string `json:"optimized_text"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope's code, e.g.
// not_current or malformed_ledger.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Projects lists every project.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Status classifies the client's project.
func (c *Client) Status(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Tasks lists the project's tasks in ledger order.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks"), nil, &resp)
	return resp, err
}

// Next returns the task to work on now.
func (c *Client) Next(ctx context.Context, skipBlocked bool) (Next, error) {
	endpoint := c.projectPath("next")
	if skipBlocked {
		endpoint += "?skip_blocked=true"
	}
	var resp Next
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddTask appends a task to a phase; an empty phase means the last one.
func (c *Client) AddTask(ctx context.Context, phase, description string) (Task, error) {
	body := map[string]any{"description": description}
	if phase != "" {
		body["phase"] = phase
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// Complete marks a task done.
func (c *Client) Complete(ctx context.Context, taskID string, force bool) (Task, error) {
	endpoint := c.taskPath(taskID, "complete")
	if force {
		endpoint += "?force=true"
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Block marks a task blocked with a reason.
func (c *Client) Block(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "block"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Unblock returns a blocked task to pending.
func (c *Client) Unblock(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "unblock"), nil, &resp)
	return resp, err
}

// Archive moves the project into the archive.
func (c *Client) Archive(ctx context.Context, force bool) (Project, error) {
	endpoint := c.projectPath("archive")
	if force {
		endpoint += "?force=true"
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Restore moves the project back out of the archive.
func (c *Client) Restore(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("restore"), nil, &resp)
	return resp, err
}

// CreatePrompt saves an optimized prompt.
func (c *Client) CreatePrompt(ctx context.Context, original, optimized string) (Prompt, error) {
	var resp Prompt
	err := c.do(ctx, http.MethodPost, c.projectPath("prompts"), map[string]any{
		"original":  original,
		"optimized": optimized,
	}, &resp)
	return resp, err
}

// Prompts lists saved prompts, optionally only those not executed yet.
func (c *Client) Prompts(ctx context.Context, pendingOnly bool) ([]Prompt, error) {
	endpoint := c.projectPath("prompts")
	if pendingOnly {
		endpoint += "?pending=true"
	}
	var resp []Prompt
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Prompt reads a prompt record without executing it.
func (c *Client) Prompt(ctx context.Context, id string) (Prompt, error) {
	var resp Prompt
	err := c.do(ctx, http.MethodGet, c.projectPath("prompts/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ExecutePrompt fetches a prompt and marks it executed.
func (c *Client) ExecutePrompt(ctx context.Context, id string) (Prompt, error) {
	var resp Prompt
	endpoint := c.projectPath(fmt.Sprintf("prompts/%s/execute", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// Event returns one journal event of the project.
func (c *Client) Event(ctx context.Context, id int64) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("events/%d", id)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.Project)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(taskID, action string) string {
	return c.projectPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
