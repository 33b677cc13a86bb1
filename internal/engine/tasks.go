package engine

import (
	"context"
	"fmt"
	"strings"

	"clavix/internal/domain"
	"clavix/internal/events"
	"clavix/internal/ledger"
	"clavix/internal/lifecycle"
)

type NextOutcome string

const (
	OutcomeTask          NextOutcome = "task"
	OutcomeNoneRemaining NextOutcome = "none_remaining"
	OutcomeBlocked       NextOutcome = "blocked"
)

// Next is the answer to "what should be worked on now".
type Next struct {
	Outcome NextOutcome  `json:"outcome" enum:"task,none_remaining,blocked"`
	State   domain.State `json:"state"`
	Task    *domain.Task `json:"task,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

type NextOptions struct {
	// SkipBlocked moves past blocked tasks to the first pending one.
	SkipBlocked bool
}

// TaskOptions are shared by the task mutations.
type TaskOptions struct {
	ActorID string
	// Force completes a task out of order or while it is blocked.
	Force bool
}

// requireTaskList resolves the lifecycle state and rejects projects that
// have nothing to work on.
func (e Engine) requireTaskList(ctx context.Context, project string) (domain.State, error) {
	obs, _, err := e.Store.Observe(ctx, project)
	if err != nil {
		return "", err
	}
	st := lifecycle.Classify(obs)
	switch st {
	case domain.StateNoProject:
		return st, fmt.Errorf("%w: project %s", ErrNotFound, project)
	case domain.StateArchived:
		return st, fmt.Errorf("%w: %s", ErrArchived, project)
	}
	if !lifecycle.Progresses(st) {
		return st, fmt.Errorf("%w: %s", ErrNoTaskList, project)
	}
	return st, nil
}

// Tasks returns a project's tasks in ledger order.
func (e Engine) Tasks(ctx context.Context, project string) ([]domain.Task, error) {
	tl, err := e.Store.Load(ctx, project)
	if err != nil {
		return nil, err
	}
	return tl.Tasks(), nil
}

// NextTask returns the first task that is not done. When that task is
// blocked the answer is Blocked with its reason, unless opts.SkipBlocked asks
// for the first pending task instead.
func (e Engine) NextTask(ctx context.Context, project string, opts NextOptions) (Next, error) {
	st, err := e.requireTaskList(ctx, project)
	if err != nil {
		return Next{State: st}, err
	}
	tl, err := e.Store.Load(ctx, project)
	if err != nil {
		return Next{State: st}, err
	}
	return nextOf(tl.Tasks(), st, opts), nil
}

func nextOf(tasks []domain.Task, st domain.State, opts NextOptions) Next {
	var firstBlocked *domain.Task
	for i := range tasks {
		t := tasks[i]
		switch t.Status {
		case domain.TaskDone:
			continue
		case domain.TaskBlocked:
			if !opts.SkipBlocked {
				return Next{Outcome: OutcomeBlocked, State: st, Task: &t, Reason: t.BlockReason}
			}
			if firstBlocked == nil {
				firstBlocked = &t
			}
		default:
			return Next{Outcome: OutcomeTask, State: st, Task: &t}
		}
	}
	if firstBlocked != nil {
		return Next{Outcome: OutcomeBlocked, State: st, Task: firstBlocked, Reason: firstBlocked.BlockReason}
	}
	return Next{Outcome: OutcomeNoneRemaining, State: st}
}

// Complete marks a task done. Completing anything but the current task, or a
// blocked task, needs opts.Force.
func (e Engine) Complete(ctx context.Context, project, taskID string, opts TaskOptions) (domain.Task, error) {
	return e.mutateTask(ctx, project, taskID, opts, events.TaskCompleted, func(tl *ledger.TaskList, t domain.Task) (events.EventPayload, error) {
		switch t.Status {
		case domain.TaskDone:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDone, t.ID)
		case domain.TaskBlocked:
			if !opts.Force {
				return nil, fmt.Errorf("%w: %s (%s)", ErrTaskBlocked, t.ID, t.BlockReason)
			}
		}
		if cur, ok := tl.Current(); ok && cur.ID != t.ID && !opts.Force {
			return nil, fmt.Errorf("%w: %s; current task is %s", ErrNotCurrent, t.ID, cur.ID)
		}
		payload := events.EventPayload{"from": string(t.Status)}
		if opts.Force {
			payload["forced"] = true
		}
		return payload, tl.SetStatus(t.ID, domain.TaskDone, "")
	})
}

// Block marks a task blocked with a reason. Surrounding whitespace is dropped
// from reason before it is checked and stored. Re-blocking replaces the reason.
func (e Engine) Block(ctx context.Context, project, taskID, reason string, opts TaskOptions) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Task{}, ErrEmptyReason
	}
	if err := ledger.ValidateReason(reason); err != nil {
		return domain.Task{}, err
	}
	return e.mutateTask(ctx, project, taskID, opts, events.TaskBlocked, func(tl *ledger.TaskList, t domain.Task) (events.EventPayload, error) {
		if t.Status == domain.TaskDone {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDone, t.ID)
		}
		payload := events.EventPayload{"reason": reason}
		if t.Status == domain.TaskBlocked {
			payload["previous_reason"] = t.BlockReason
		}
		return payload, tl.SetStatus(t.ID, domain.TaskBlocked, reason)
	})
}

// Unblock returns a blocked task to pending.
func (e Engine) Unblock(ctx context.Context, project, taskID string, opts TaskOptions) (domain.Task, error) {
	return e.mutateTask(ctx, project, taskID, opts, events.TaskUnblocked, func(tl *ledger.TaskList, t domain.Task) (events.EventPayload, error) {
		if t.Status != domain.TaskBlocked {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotBlocked, t.ID, t.Status)
		}
		return events.EventPayload{"reason": t.BlockReason}, tl.SetStatus(t.ID, domain.TaskPending, "")
	})
}

type taskMutation func(tl *ledger.TaskList, t domain.Task) (events.EventPayload, error)

// mutateTask runs one status change under the ledger lock, then starts the
// implementation if needed and journals the change.
func (e Engine) mutateTask(ctx context.Context, project, taskID string, opts TaskOptions, evtType string, fn taskMutation) (domain.Task, error) {
	before, err := e.requireTaskList(ctx, project)
	if err != nil {
		return domain.Task{}, err
	}
	var (
		updated domain.Task
		payload events.EventPayload
	)
	err = e.Store.Update(ctx, project, func(tl *ledger.TaskList) error {
		t, ok := tl.Task(taskID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		p, err := fn(tl, t)
		if err != nil {
			return err
		}
		payload = p
		updated, _ = tl.Task(taskID)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.ensureStarted(ctx, project, opts.ActorID); err != nil {
		return updated, err
	}
	actor := actorOrDefault(opts.ActorID)
	records := []events.Record{{
		Type:       evtType,
		ProjectID:  project,
		EntityKind: events.KindTask,
		EntityID:   taskID,
		ActorID:    actor,
		Payload:    payload,
	}}
	records = append(records, e.stateChange(project, actor, before, e.state(ctx, project), false)...)
	return updated, e.record(ctx, records...)
}

// AddTask appends a pending task to the end of its phase, creating the phase
// when it does not exist yet.
func (e Engine) AddTask(ctx context.Context, project, phase, description, actorID string) (domain.Task, error) {
	before, err := e.requireTaskList(ctx, project)
	if err != nil {
		return domain.Task{}, err
	}
	var added domain.Task
	err = e.Store.Update(ctx, project, func(tl *ledger.TaskList) error {
		t, err := tl.Append(phase, strings.TrimSpace(description))
		added = t
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	actor := actorOrDefault(actorID)
	records := []events.Record{{
		Type:       events.TaskAdded,
		ProjectID:  project,
		EntityKind: events.KindTask,
		EntityID:   added.ID,
		ActorID:    actor,
		Payload:    events.EventPayload{"phase": added.Phase, "description": added.Description},
	}}
	records = append(records, e.stateChange(project, actor, before, e.state(ctx, project), false)...)
	return added, e.record(ctx, records...)
}
