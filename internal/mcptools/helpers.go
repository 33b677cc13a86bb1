// Package mcptools exposes the progress controller as MCP tools so an agent
// can drive a project's task ledger over stdio.
//
// Every tool follows the same shape: a struct holding the engine, Definition
// returning the mcp.Tool schema and Handle processing a call. Failures are
// reported as tool errors, never as protocol errors.
package mcptools

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"clavix/internal/domain"
	"clavix/internal/engine"
)

// Version is reported to MCP clients.
var Version = "dev"

// deps is shared by every tool.
type deps struct {
	engine engine.Engine
	// project is used when a call does not name one.
	project string
	actor   string
}

func (d deps) projectArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	p := strings.TrimSpace(req.GetString("project", d.project))
	if p == "" {
		return "", mcp.NewToolResultError("'project' is required")
	}
	return p, nil
}

func (d deps) actorID() string {
	if d.actor != "" {
		return d.actor
	}
	return "mcp"
}

func projectOption() mcp.ToolOption {
	return mcp.WithString("project",
		mcp.Description("Project name under the outputs directory (defaults to the server's --project)"),
	)
}

func taskIDOption() mcp.ToolOption {
	return mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task ID as written in the task list, e.g. phase-1-setup-2"),
	)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func failed(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

func writeTask(sb *strings.Builder, t domain.Task) {
	mark := " "
	if t.Status == domain.TaskDone {
		mark = "x"
	}
	fmt.Fprintf(sb, "- [%s] **%s** %s", mark, t.ID, t.Description)
	if t.Status == domain.TaskBlocked {
		fmt.Fprintf(sb, " (blocked: %s)", t.BlockReason)
	}
	sb.WriteString("\n")
}

func writeStatus(sb *strings.Builder, p domain.Project) {
	fmt.Fprintf(sb, "## %s\n\n", p.Name)
	fmt.Fprintf(sb, "- **State**: %s\n", p.State)
	if p.Counts.Total > 0 {
		fmt.Fprintf(sb, "- **Tasks**: %d done, %d pending, %d blocked of %d\n",
			p.Counts.Done, p.Counts.Pending, p.Counts.Blocked, p.Counts.Total)
	}
	if p.Current != nil {
		sb.WriteString("- **Current**: ")
		writeTask(sb, *p.Current)
	}
	if p.Error != "" {
		fmt.Fprintf(sb, "- **Error**: %s\n", p.Error)
	}
}
