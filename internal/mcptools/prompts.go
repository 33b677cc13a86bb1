package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// PendingPromptsTool handles clavix_pending_prompts.
type PendingPromptsTool struct{ deps }

func (t *PendingPromptsTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_pending_prompts",
		mcp.WithDescription("List saved prompts that have not been executed yet, oldest first."),
		projectOption(),
	)
}

func (t *PendingPromptsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	pending, err := t.engine.PendingPrompts(ctx, project)
	if err != nil {
		return failed("pending prompts", err), nil
	}
	if len(pending) == 0 {
		return mcp.NewToolResultText("No pending prompts."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Pending prompts (%d)\n\n", len(pending))
	for _, p := range pending {
		summary := p.OriginalPrompt
		if summary == "" {
			summary, _, _ = strings.Cut(p.OptimizedText, "\n")
		}
		fmt.Fprintf(&sb, "- **%s** (%s) %s\n", p.ID, p.Timestamp, summary)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ExecutePromptTool handles clavix_execute_prompt.
type ExecutePromptTool struct{ deps }

func (t *ExecutePromptTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_execute_prompt",
		mcp.WithDescription("Return a saved prompt's optimized text and mark it executed. A prompt is handed out once."),
		projectOption(),
		mcp.WithString("prompt_id", mcp.Required(), mcp.Description("Prompt record id")),
	)
}

func (t *ExecutePromptTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	id := req.GetString("prompt_id", "")
	if id == "" {
		return mcp.NewToolResultError("'prompt_id' is required"), nil
	}
	rec, err := t.engine.ExecutePrompt(ctx, project, id, t.actorID())
	if err != nil {
		return failed("execute prompt", err), nil
	}
	return mcp.NewToolResultText(rec.OptimizedText), nil
}
