package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCompleted         = "task.completed"
	TaskBlocked           = "task.blocked"
	TaskUnblocked         = "task.unblocked"
	TaskAdded             = "task.added"
	TasksImported         = "tasks.imported"
	RequirementsWritten   = "requirements.written"
	ImplementationStarted = "implementation.started"
	ProjectArchived       = "project.archived"
	ProjectRestored       = "project.restored"
	ProjectStateChanged   = "project.state_changed"
	PromptCreated         = "prompt.created"
	PromptExecuted        = "prompt.executed"
	PromptRemoved         = "prompt.removed"
)

const (
	KindProject = "project"
	KindTask    = "task"
	KindPrompt  = "prompt"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one event waiting to be appended.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendAll writes records in one transaction, so either all land or none.
func (w Writer) AppendAll(ctx context.Context, db *sql.DB, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range records {
		if err := w.Append(ctx, tx, r.Type, r.ProjectID, r.EntityKind, r.EntityID, r.ActorID, r.Payload); err != nil {
			return fmt.Errorf("append %s: %w", r.Type, err)
		}
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
