package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"clavix/internal/engine"
)

// NextTaskTool handles clavix_next_task.
type NextTaskTool struct{ deps }

func (t *NextTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_next_task",
		mcp.WithDescription("Return the task to work on now. Reports a blocked task with its reason instead of skipping it unless skip_blocked is set."),
		projectOption(),
		mcp.WithBoolean("skip_blocked", mcp.Description("Move past blocked tasks to the first pending one")),
	)
}

func (t *NextTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	next, err := t.engine.NextTask(ctx, project, engine.NextOptions{SkipBlocked: boolArg(req, "skip_blocked", false)})
	if err != nil {
		return failed("next task", err), nil
	}
	var sb strings.Builder
	switch next.Outcome {
	case engine.OutcomeNoneRemaining:
		fmt.Fprintf(&sb, "All tasks in %s are done. Archive the project when ready.\n", project)
	case engine.OutcomeBlocked:
		fmt.Fprintf(&sb, "Next task is blocked: %s\n\n", next.Reason)
		writeTask(&sb, *next.Task)
	default:
		sb.WriteString("Next task:\n\n")
		writeTask(&sb, *next.Task)
		if next.Task.Phase != "" {
			fmt.Fprintf(&sb, "\nPhase: %s\n", next.Task.Phase)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// CompleteTaskTool handles clavix_complete_task.
type CompleteTaskTool struct{ deps }

func (t *CompleteTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_complete_task",
		mcp.WithDescription("Mark a task done. Only the current task may be completed unless force is set."),
		projectOption(),
		taskIDOption(),
		mcp.WithBoolean("force", mcp.Description("Complete out of order or while blocked")),
	)
}

func (t *CompleteTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	task, err := t.engine.Complete(ctx, project, id, engine.TaskOptions{ActorID: t.actorID(), Force: boolArg(req, "force", false)})
	if err != nil {
		return failed("complete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Completed %s: %s", task.ID, task.Description)), nil
}

// BlockTaskTool handles clavix_block_task.
type BlockTaskTool struct{ deps }

func (t *BlockTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_block_task",
		mcp.WithDescription("Mark a task blocked with a one-line reason. Blocking again replaces the reason."),
		projectOption(),
		taskIDOption(),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the task cannot proceed; single line, no ']'")),
	)
}

func (t *BlockTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	task, err := t.engine.Block(ctx, project, id, req.GetString("reason", ""), engine.TaskOptions{ActorID: t.actorID()})
	if err != nil {
		return failed("block task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Blocked %s: %s", task.ID, task.BlockReason)), nil
}

// UnblockTaskTool handles clavix_unblock_task.
type UnblockTaskTool struct{ deps }

func (t *UnblockTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_unblock_task",
		mcp.WithDescription("Return a blocked task to pending."),
		projectOption(),
		taskIDOption(),
	)
}

func (t *UnblockTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	task, err := t.engine.Unblock(ctx, project, id, engine.TaskOptions{ActorID: t.actorID()})
	if err != nil {
		return failed("unblock task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Unblocked %s.", task.ID)), nil
}

// AddTaskTool handles clavix_add_task.
type AddTaskTool struct{ deps }

func (t *AddTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_add_task",
		mcp.WithDescription("Append a pending task to the end of a phase. A phase that does not exist yet is created."),
		projectOption(),
		mcp.WithString("description", mcp.Required(), mcp.Description("One-line task description")),
		mcp.WithString("phase", mcp.Description("Phase heading or name; defaults to the last phase")),
	)
}

func (t *AddTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	desc := strings.TrimSpace(req.GetString("description", ""))
	if desc == "" {
		return mcp.NewToolResultError("'description' is required"), nil
	}
	task, err := t.engine.AddTask(ctx, project, req.GetString("phase", ""), desc, t.actorID())
	if err != nil {
		return failed("add task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added %s to %s.", task.ID, task.Phase)), nil
}
