package clavixsdk

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clavix/internal/config"
	"clavix/internal/db"
	"clavix/internal/engine"
	"clavix/internal/ledger"
	"clavix/internal/migrate"
	"clavix/internal/server"
)

const tasksDoc = `## Phase 1: Setup
- [x] Create repository
  Task ID: phase-1-setup-1
- [ ] Add CI
  Task ID: phase-1-setup-2
`

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Locking.Timeout = time.Second
	cfg.Locking.RetryDelay = 5 * time.Millisecond
	conn, err := db.Open(filepath.Join(workspace, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	store := ledger.NewStore(filepath.Join(workspace, "outputs"), cfg.Storage, cfg.Locking)
	e := engine.New(store, conn, cfg)
	_, err = e.WriteRequirements(ctx, "auth", []byte("# PRD\n"), engine.RequirementsOptions{})
	require.NoError(t, err)
	_, err = e.ImportTasks(ctx, "auth", []byte(tasksDoc), engine.ImportOptions{})
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL+"/", "auth")
	c.ActorID = "sdk-test"
	return c
}

func TestClientTaskFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	next, err := c.Next(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "task", next.Outcome)
	require.NotNil(t, next.Task)
	assert.Equal(t, "phase-1-setup-2", next.Task.ID)

	added, err := c.AddTask(ctx, "", "Write docs")
	require.NoError(t, err)
	assert.Equal(t, "phase-1-setup-3", added.ID)

	_, err = c.Complete(ctx, "phase-1-setup-3", false)
	require.Error(t, err)
	assert.Equal(t, "not_current", ErrorCode(err))

	blocked, err := c.Block(ctx, "phase-1-setup-2", "waiting on CI credentials")
	require.NoError(t, err)
	assert.Equal(t, "blocked", blocked.Status)

	next, err = c.Next(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, next.Task)
	assert.Equal(t, "phase-1-setup-3", next.Task.ID)

	_, err = c.Unblock(ctx, "phase-1-setup-2")
	require.NoError(t, err)
	for _, id := range []string{"phase-1-setup-2", "phase-1-setup-3"} {
		_, err = c.Complete(ctx, id, false)
		require.NoError(t, err)
	}

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "all_complete", status.State)
	assert.Equal(t, 3, status.Counts.Done)

	tasks, err := c.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	page, err := c.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)

	events, err := c.Events(ctx, 50)
	require.NoError(t, err)
	completed := 0
	for _, evt := range events {
		if evt.Type == "task.completed" {
			completed++
			assert.Equal(t, "sdk-test", evt.ActorID)
		}
	}
	assert.Equal(t, 2, completed)

	evt, err := c.Event(ctx, page.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, page.Items[0].Type, evt.Type)
	_, err = c.Event(ctx, 1_000_000)
	assert.Equal(t, "not_found", ErrorCode(err))
}

func TestClientArchiveAndPrompts(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Archive(ctx, false)
	require.Error(t, err)
	assert.Equal(t, "not_complete", ErrorCode(err))

	p, err := c.Archive(ctx, true)
	require.NoError(t, err)
	assert.True(t, p.Archived)

	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.True(t, projects[0].Archived)

	_, err = c.Restore(ctx)
	require.NoError(t, err)

	rec, err := c.CreatePrompt(ctx, "fix login", "Fix the login redirect loop.")
	require.NoError(t, err)
	pending, err := c.Prompts(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	peek, err := c.Prompt(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, peek.Executed)

	got, err := c.ExecutePrompt(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix the login redirect loop.", got.OptimizedText)

	_, err = c.ExecutePrompt(ctx, rec.ID)
	assert.Equal(t, "already_executed", ErrorCode(err))

	pending, err = c.Prompts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
