package server

import (
	"encoding/json"

	"clavix/internal/domain"
	"clavix/internal/engine"
)

// Request payloads

type AddTaskRequest struct {
	// Phase is a full heading, a phase name, or empty for the last phase.
	Phase       string `json:"phase,omitempty" example:"Phase 2: API"`
	Description string `json:"description" minLength:"1" example:"Add pagination to list endpoints"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason" example:"waiting on API keys"`
}

type CreatePromptRequest struct {
	Original  string `json:"original,omitempty"`
	Optimized string `json:"optimized" minLength:"1"`
}

// Response payloads

type TaskResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"pending,done,blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	Order       int    `json:"order"`
	Phase       string `json:"phase,omitempty"`
}

type ProjectResponse struct {
	Name      string            `json:"name"`
	State     string            `json:"state" enum:"no_project,requirements_exist,tasks_exist,implementing,all_complete,archived"`
	Archived  bool              `json:"archived"`
	Artifacts domain.Artifacts  `json:"artifacts"`
	Counts    domain.TaskCounts `json:"counts"`
	Remaining int               `json:"remaining"`
	Current   *TaskResponse     `json:"current,omitempty"`
	StartedAt string            `json:"started_at,omitempty" format:"date-time"`
	StartedBy string            `json:"started_by,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type NextResponse struct {
	Outcome string        `json:"outcome" enum:"task,none_remaining,blocked"`
	State   string        `json:"state"`
	Task    *TaskResponse `json:"task,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

type PromptResponse struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp" format:"date-time"`
	Executed       bool   `json:"executed"`
	ExecutedAt     string `json:"executed_at,omitempty"`
	OriginalPrompt string `json:"original_prompt,omitempty"`
	OptimizedText  string `json:"optimized_text"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		BlockReason: t.BlockReason,
		Order:       t.Order,
		Phase:       t.Phase,
	}
}

func taskPtr(t *domain.Task) *TaskResponse {
	if t == nil {
		return nil
	}
	r := taskResponse(*t)
	return &r
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	resp := ProjectResponse{
		Name:      p.Name,
		State:     string(p.State),
		Archived:  p.Archived,
		Artifacts: p.Artifacts,
		Counts:    p.Counts,
		Remaining: p.Counts.Remaining(),
		Current:   taskPtr(p.Current),
		Error:     p.Error,
	}
	if ic := p.Implementation; ic != nil {
		resp.StartedAt = ic.StartedAt
		resp.StartedBy = ic.StartedBy
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func nextResponse(n engine.Next) NextResponse {
	return NextResponse{
		Outcome: string(n.Outcome),
		State:   string(n.State),
		Task:    taskPtr(n.Task),
		Reason:  n.Reason,
	}
}

func promptResponse(p domain.PromptRecord) PromptResponse {
	return PromptResponse(p)
}

func mapPrompts(items []domain.PromptRecord) []PromptResponse {
	out := make([]PromptResponse, 0, len(items))
	for _, p := range items {
		out = append(out, promptResponse(p))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
