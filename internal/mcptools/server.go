package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"clavix/internal/engine"
)

// Options configure the MCP server.
type Options struct {
	// Project is used by tools when a call does not name a project.
	Project string
	// ActorID is recorded in the journal for every mutation. Defaults to "mcp".
	ActorID string
}

// Tool is one MCP tool bound to the engine.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every clavix tool bound to e.
func Tools(e engine.Engine, opts Options) []Tool {
	d := deps{engine: e, project: opts.Project, actor: opts.ActorID}
	return []Tool{
		&StatusTool{d},
		&NextTaskTool{d},
		&CompleteTaskTool{d},
		&BlockTaskTool{d},
		&UnblockTaskTool{d},
		&AddTaskTool{d},
		&ArchiveTool{d},
		&RestoreTool{d},
		&PendingPromptsTool{d},
		&ExecutePromptTool{d},
	}
}

// New builds an MCP server exposing the task ledger.
func New(e engine.Engine, opts Options) *server.MCPServer {
	s := server.NewMCPServer(
		"clavix",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(e, opts) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

const instructions = `Clavix tracks implementation progress in a project's tasks.md.
Call clavix_next_task to learn what to work on, clavix_complete_task when it is done,
and clavix_block_task with a reason when it cannot proceed. Never edit task checkboxes by hand.`
