package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"clavix/internal/engine"
)

// StatusTool handles clavix_status.
type StatusTool struct{ deps }

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_status",
		mcp.WithDescription("Show a project's lifecycle state, task counts and current task. Without a project, list every project."),
		projectOption(),
	)
}

func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder
	project := strings.TrimSpace(req.GetString("project", t.project))
	if project == "" {
		all, err := t.engine.Overview(ctx)
		if err != nil {
			return failed("overview", err), nil
		}
		if len(all) == 0 {
			return mcp.NewToolResultText("No projects yet."), nil
		}
		for _, p := range all {
			writeStatus(&sb, p)
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
	p, err := t.engine.Status(ctx, project)
	if err != nil {
		return failed("status", err), nil
	}
	writeStatus(&sb, p)
	return mcp.NewToolResultText(sb.String()), nil
}

// ArchiveTool handles clavix_archive.
type ArchiveTool struct{ deps }

func (t *ArchiveTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_archive",
		mcp.WithDescription("Archive a project whose tasks are all done. Set force to archive unfinished work."),
		projectOption(),
		mcp.WithBoolean("force", mcp.Description("Archive even with unfinished tasks")),
	)
}

func (t *ArchiveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	p, err := t.engine.Archive(ctx, project, engine.ArchiveOptions{ActorID: t.actorID(), Force: boolArg(req, "force", false)})
	if err != nil {
		return failed("archive", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Archived %s (state: %s).", p.Name, p.State)), nil
}

// RestoreTool handles clavix_restore.
type RestoreTool struct{ deps }

func (t *RestoreTool) Definition() mcp.Tool {
	return mcp.NewTool("clavix_restore",
		mcp.WithDescription("Move an archived project back to the active outputs."),
		projectOption(),
	)
}

func (t *RestoreTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, errRes := t.projectArg(req)
	if errRes != nil {
		return errRes, nil
	}
	p, err := t.engine.Restore(ctx, project, t.actorID())
	if err != nil {
		return failed("restore", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Restored %s (state: %s).", p.Name, p.State)), nil
}
