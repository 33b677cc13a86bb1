package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clavix/internal/domain"
	"clavix/internal/events"
)

const promptIDLayout = "20060102-150405"

// Prompt returns one prompt record without changing it.
func (e Engine) Prompt(ctx context.Context, project, id string) (domain.PromptRecord, error) {
	return e.Store.LoadPrompt(ctx, project, id)
}

// CreatePrompt stores an optimized prompt for later execution.
func (e Engine) CreatePrompt(ctx context.Context, project, original, optimized, actorID string) (domain.PromptRecord, error) {
	if strings.TrimSpace(optimized) == "" {
		return domain.PromptRecord{}, errors.New("optimized prompt text is required")
	}
	now := e.now().UTC()
	rec := domain.PromptRecord{
		ID:             now.Format(promptIDLayout) + "-" + uuid.NewString()[:8],
		Timestamp:      now.Format(time.RFC3339),
		OriginalPrompt: original,
		OptimizedText:  optimized,
	}
	if err := e.Store.SavePrompt(ctx, project, rec); err != nil {
		return domain.PromptRecord{}, err
	}
	return rec, e.record(ctx, events.Record{
		Type:       events.PromptCreated,
		ProjectID:  project,
		EntityKind: events.KindPrompt,
		EntityID:   rec.ID,
		ActorID:    actorOrDefault(actorID),
	})
}

// Prompts lists every prompt record of a project, oldest first.
func (e Engine) Prompts(ctx context.Context, project string) ([]domain.PromptRecord, error) {
	return e.Store.ListPrompts(ctx, project)
}

// PendingPrompts lists prompts that have not been executed yet.
func (e Engine) PendingPrompts(ctx context.Context, project string) ([]domain.PromptRecord, error) {
	all, err := e.Store.ListPrompts(ctx, project)
	if err != nil {
		return nil, err
	}
	var out []domain.PromptRecord
	for _, p := range all {
		if !p.Executed {
			out = append(out, p)
		}
	}
	return out, nil
}

// ExecutePrompt hands out a prompt for execution and marks it executed. The
// check and the mark happen under the project lock, so a prompt is handed out
// at most once.
func (e Engine) ExecutePrompt(ctx context.Context, project, id, actorID string) (domain.PromptRecord, error) {
	rec, err := e.Store.UpdatePrompt(ctx, project, id, func(r *domain.PromptRecord) error {
		if r.Executed {
			return fmt.Errorf("%w: %s at %s", ErrAlreadyExecuted, r.ID, r.ExecutedAt)
		}
		r.Executed = true
		r.ExecutedAt = e.now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return rec, err
	}
	return rec, e.record(ctx, events.Record{
		Type:       events.PromptExecuted,
		ProjectID:  project,
		EntityKind: events.KindPrompt,
		EntityID:   rec.ID,
		ActorID:    actorOrDefault(actorID),
	})
}

// RemovePrompt deletes a prompt record.
func (e Engine) RemovePrompt(ctx context.Context, project, id, actorID string) error {
	if err := e.Store.RemovePrompt(ctx, project, id); err != nil {
		return err
	}
	return e.record(ctx, events.Record{
		Type:       events.PromptRemoved,
		ProjectID:  project,
		EntityKind: events.KindPrompt,
		EntityID:   id,
		ActorID:    actorOrDefault(actorID),
	})
}

// CleanExecuted removes every executed prompt and returns how many went.
func (e Engine) CleanExecuted(ctx context.Context, project, actorID string) (int, error) {
	all, err := e.Store.ListPrompts(ctx, project)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range all {
		if !p.Executed {
			continue
		}
		if err := e.RemovePrompt(ctx, project, p.ID, actorID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
