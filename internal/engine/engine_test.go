package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clavix/internal/config"
	"clavix/internal/db"
	"clavix/internal/domain"
	"clavix/internal/engine"
	"clavix/internal/events"
	"clavix/internal/ledger"
	"clavix/internal/migrate"
	"clavix/internal/repo"
)

const twoDoneTwoPending = `# Implementation Plan

## Phase 1: Setup
- [x] Create repository
  Task ID: phase-1-setup-1
- [x] Add CI
  Task ID: phase-1-setup-2
- [ ] Write handlers
  Task ID: phase-1-setup-3
- [ ] Write docs
  Task ID: phase-1-setup-4
`

const freshTasks = `## Phase 1: Setup
- [ ] Create repository
  Task ID: phase-1-setup-1
- [ ] Add CI
  Task ID: phase-1-setup-2
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Root   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Locking.Timeout = time.Second
	cfg.Locking.RetryDelay = 5 * time.Millisecond
	conn, err := db.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	root := filepath.Join(dir, "outputs")
	store := ledger.NewStore(root, cfg.Storage, cfg.Locking)
	eng := engine.New(store, conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background(), Root: root}
}

func (env testEnv) seed(t *testing.T, project, tasks string) {
	t.Helper()
	if _, err := env.Engine.WriteRequirements(env.Ctx, project, []byte("# PRD\n"), engine.RequirementsOptions{ActorID: "planner"}); err != nil {
		t.Fatalf("write requirements: %v", err)
	}
	if _, err := env.Engine.ImportTasks(env.Ctx, project, []byte(tasks), engine.ImportOptions{ActorID: "planner"}); err != nil {
		t.Fatalf("import tasks: %v", err)
	}
}

func (env testEnv) ledgerBytes(t *testing.T, project string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.Root, project, "tasks.md"))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	return string(data)
}

func (env testEnv) eventTypes(t *testing.T, project string) []string {
	t.Helper()
	evts, err := env.Engine.JournalEvents(env.Ctx, repo.EventFilter{ProjectID: project, Limit: 50})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestNextAndCompleteWithTwoDone(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", twoDoneTwoPending)

	next, err := env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Outcome != engine.OutcomeTask || next.Task.ID != "phase-1-setup-3" {
		t.Fatalf("expected task 3, got %+v", next)
	}

	task, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-3", engine.TaskOptions{ActorID: "agent"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.TaskDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
	st, err := env.Engine.Status(env.Ctx, "shop")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StateImplementing || st.Counts.Done != 3 || st.Counts.Pending != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Current == nil || st.Current.ID != "phase-1-setup-4" {
		t.Fatalf("expected task 4 current, got %+v", st.Current)
	}
	want := strings.Replace(twoDoneTwoPending, "- [ ] Write handlers", "- [x] Write handlers", 1)
	if got := env.ledgerBytes(t, "shop"); got != want {
		t.Fatalf("ledger changed beyond one line:\n%s", got)
	}
}

func TestCompleteGuards(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", twoDoneTwoPending)

	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-1", engine.TaskOptions{}); !errors.Is(err, engine.ErrAlreadyDone) {
		t.Fatalf("expected already done, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-4", engine.TaskOptions{}); !errors.Is(err, engine.ErrNotCurrent) {
		t.Fatalf("expected not current, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-9-nope-1", engine.TaskOptions{}); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-4", engine.TaskOptions{Force: true}); err != nil {
		t.Fatalf("forced complete: %v", err)
	}

	if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-3", "waiting on API", engine.TaskOptions{}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-3", engine.TaskOptions{}); !errors.Is(err, engine.ErrTaskBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-3", engine.TaskOptions{Force: true}); err != nil {
		t.Fatalf("forced complete of blocked task: %v", err)
	}
	if !strings.Contains(env.ledgerBytes(t, "shop"), "- [x] Write handlers\n") {
		t.Fatalf("blocked marker should be dropped on completion")
	}
}

func TestBlockWithEmptyReasonLeavesLedgerUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", twoDoneTwoPending)
	before := env.ledgerBytes(t, "shop")

	for _, reason := range []string{"", "   "} {
		if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-3", reason, engine.TaskOptions{}); !errors.Is(err, engine.ErrEmptyReason) {
			t.Fatalf("expected empty reason, got %v", err)
		}
	}
	if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-3", "see [ticket]", engine.TaskOptions{}); !errors.Is(err, engine.ErrInvalidReason) {
		t.Fatalf("expected invalid reason, got %v", err)
	}
	if after := env.ledgerBytes(t, "shop"); after != before {
		t.Fatalf("ledger changed:\n%s", after)
	}
}

func TestNextTaskBlockedSemantics(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", twoDoneTwoPending)
	if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-3", "waiting on API", engine.TaskOptions{}); err != nil {
		t.Fatalf("block: %v", err)
	}

	next, err := env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Outcome != engine.OutcomeBlocked || next.Task.ID != "phase-1-setup-3" || next.Reason != "waiting on API" {
		t.Fatalf("expected blocked task 3, got %+v", next)
	}

	next, err = env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{SkipBlocked: true})
	if err != nil {
		t.Fatalf("next skip: %v", err)
	}
	if next.Outcome != engine.OutcomeTask || next.Task.ID != "phase-1-setup-4" {
		t.Fatalf("expected task 4 when skipping blocked, got %+v", next)
	}

	if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-3", "new reason", engine.TaskOptions{}); err != nil {
		t.Fatalf("re-block: %v", err)
	}
	if _, err := env.Engine.Unblock(env.Ctx, "shop", "phase-1-setup-3", engine.TaskOptions{}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := env.Engine.Unblock(env.Ctx, "shop", "phase-1-setup-3", engine.TaskOptions{}); !errors.Is(err, engine.ErrNotBlocked) {
		t.Fatalf("expected not blocked, got %v", err)
	}
	if got := env.ledgerBytes(t, "shop"); got != twoDoneTwoPending {
		t.Fatalf("block then unblock should restore the ledger:\n%s", got)
	}
}

func TestFirstStatusChangeStartsImplementation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", freshTasks)

	st, err := env.Engine.Status(env.Ctx, "shop")
	if err != nil || st.State != domain.StateTasksExist {
		t.Fatalf("expected tasks_exist, got %v %+v", err, st)
	}
	if _, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-1", "need access", engine.TaskOptions{ActorID: "agent"}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := env.Engine.Unblock(env.Ctx, "shop", "phase-1-setup-1", engine.TaskOptions{ActorID: "agent"}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	st, err = env.Engine.Status(env.Ctx, "shop")
	if err != nil || st.State != domain.StateImplementing || !st.Artifacts.ImplementConfig {
		t.Fatalf("expected implementing with config, got %v %+v", err, st)
	}
	if ic := st.Implementation; ic == nil || ic.StartedAt != "2024-01-01T00:00:00Z" || ic.StartedBy != "agent" {
		t.Fatalf("unexpected implementation config %+v", st.Implementation)
	}

	got := env.eventTypes(t, "shop")
	want := []string{
		events.RequirementsWritten, events.ProjectStateChanged,
		events.TasksImported, events.ProjectStateChanged,
		events.ImplementationStarted, events.TaskBlocked, events.ProjectStateChanged,
		events.TaskUnblocked,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected journal:\n got %v\nwant %v", got, want)
	}

	started, err := env.Engine.StartImplementation(env.Ctx, "shop", "agent")
	if err != nil || started {
		t.Fatalf("second start should be a no-op: %v %v", started, err)
	}
}

func TestArchiveAndRestoreReproduceState(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", twoDoneTwoPending)

	if _, err := env.Engine.Archive(env.Ctx, "shop", engine.ArchiveOptions{}); !errors.Is(err, engine.ErrNotComplete) {
		t.Fatalf("expected not complete, got %v", err)
	}
	for _, id := range []string{"phase-1-setup-3", "phase-1-setup-4"} {
		if _, err := env.Engine.Complete(env.Ctx, "shop", id, engine.TaskOptions{}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	next, err := env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{})
	if err != nil || next.Outcome != engine.OutcomeNoneRemaining || next.State != domain.StateAllComplete {
		t.Fatalf("expected none remaining, got %v %+v", err, next)
	}

	archived, err := env.Engine.Archive(env.Ctx, "shop", engine.ArchiveOptions{ActorID: "agent"})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.State != domain.StateArchived {
		t.Fatalf("expected archived, got %s", archived.State)
	}
	if _, err := env.Engine.Archive(env.Ctx, "shop", engine.ArchiveOptions{}); !errors.Is(err, engine.ErrArchived) {
		t.Fatalf("expected archived error, got %v", err)
	}
	if _, err := env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{}); !errors.Is(err, engine.ErrArchived) {
		t.Fatalf("expected archived error from next, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-1", engine.TaskOptions{Force: true}); !errors.Is(err, engine.ErrArchived) {
		t.Fatalf("expected archived error from complete, got %v", err)
	}

	restored, err := env.Engine.Restore(env.Ctx, "shop", "agent")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.State != domain.StateAllComplete {
		t.Fatalf("expected all_complete after restore, got %s", restored.State)
	}
	if _, err := env.Engine.Restore(env.Ctx, "shop", "agent"); !errors.Is(err, engine.ErrNotArchived) {
		t.Fatalf("expected not archived, got %v", err)
	}
}

func TestForcedArchive(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", freshTasks)
	p, err := env.Engine.Archive(env.Ctx, "shop", engine.ArchiveOptions{Force: true})
	if err != nil || p.State != domain.StateArchived {
		t.Fatalf("forced archive: %v %+v", err, p)
	}
	restored, err := env.Engine.Restore(env.Ctx, "shop", "")
	if err != nil || restored.State != domain.StateTasksExist {
		t.Fatalf("restore: %v %+v", err, restored)
	}
}

func TestAddTaskReopensCompletedProject(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", freshTasks)
	for _, id := range []string{"phase-1-setup-1", "phase-1-setup-2"} {
		if _, err := env.Engine.Complete(env.Ctx, "shop", id, engine.TaskOptions{}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	task, err := env.Engine.AddTask(env.Ctx, "shop", "Hardening", "Add rate limits", "planner")
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if task.ID != "phase-2-hardening-1" {
		t.Fatalf("unexpected id %s", task.ID)
	}
	st, err := env.Engine.Status(env.Ctx, "shop")
	if err != nil || st.State != domain.StateImplementing || st.Current.ID != task.ID {
		t.Fatalf("expected implementing on new task, got %v %+v", err, st)
	}
}

func TestAddTaskRejectsMultiLinePhase(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", freshTasks)
	want := env.ledgerBytes(t, "shop")
	for _, phase := range []string{
		"Extra\n- [x] Injected\n  Task ID: phase-9-x-1",
		"Other\n  Task ID: phase-1-x-1",
	} {
		if _, err := env.Engine.AddTask(env.Ctx, "shop", phase, "Real task", ""); !errors.Is(err, engine.ErrInvalidTask) {
			t.Fatalf("expected invalid task for phase %q, got %v", phase, err)
		}
	}
	if got := env.ledgerBytes(t, "shop"); got != want {
		t.Fatalf("ledger changed:\n%s", got)
	}
	tasks, err := env.Engine.Tasks(env.Ctx, "shop")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("expected the two seeded tasks, got %v %+v", err, tasks)
	}
}

func TestBlockTrimsReason(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "shop", freshTasks)
	task, err := env.Engine.Block(env.Ctx, "shop", "phase-1-setup-1", "  waiting on keys \t", engine.TaskOptions{})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if task.BlockReason != "waiting on keys" {
		t.Fatalf("unexpected reason %q", task.BlockReason)
	}
	if !strings.Contains(env.ledgerBytes(t, "shop"), "- [ ] [BLOCKED: waiting on keys] Create repository\n") {
		t.Fatalf("unexpected ledger:\n%s", env.ledgerBytes(t, "shop"))
	}
}

func TestStateGates(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.Engine.Status(env.Ctx, "ghost")
	if err != nil || st.State != domain.StateNoProject {
		t.Fatalf("expected no_project, got %v %+v", err, st)
	}
	if _, err := env.Engine.NextTask(env.Ctx, "ghost", engine.NextOptions{}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.WriteRequirements(env.Ctx, "shop", []byte("# PRD\n"), engine.RequirementsOptions{File: "mini-prd.md"}); err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if _, err := env.Engine.NextTask(env.Ctx, "shop", engine.NextOptions{}); !errors.Is(err, engine.ErrNoTaskList) {
		t.Fatalf("expected no task list, got %v", err)
	}
	if _, err := env.Engine.StartImplementation(env.Ctx, "shop", ""); !errors.Is(err, engine.ErrNoTaskList) {
		t.Fatalf("expected no task list from start, got %v", err)
	}
}

func TestImportTasks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ImportTasks(env.Ctx, "shop", []byte("- [X] bad\n  Task ID: phase-1-a-1\n"), engine.ImportOptions{})
	var me *ledger.MalformedError
	if !errors.As(err, &me) || me.Project != "shop" {
		t.Fatalf("expected malformed ledger, got %v", err)
	}
	if _, err := env.Engine.ImportTasks(env.Ctx, "shop", []byte(freshTasks), engine.ImportOptions{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := env.Engine.ImportTasks(env.Ctx, "shop", []byte(twoDoneTwoPending), engine.ImportOptions{}); !errors.Is(err, engine.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	p, err := env.Engine.ImportTasks(env.Ctx, "shop", []byte(twoDoneTwoPending), engine.ImportOptions{Force: true})
	if err != nil || p.Counts.Total != 4 {
		t.Fatalf("forced import: %v %+v", err, p)
	}
}

func TestOverviewCarriesPerProjectErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alpha", freshTasks)
	env.seed(t, "beta", twoDoneTwoPending)
	if err := os.WriteFile(filepath.Join(env.Root, "beta", "tasks.md"), []byte("- [?] broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env.seed(t, "gamma", freshTasks)
	if _, err := env.Engine.Archive(env.Ctx, "gamma", engine.ArchiveOptions{Force: true}); err != nil {
		t.Fatal(err)
	}

	projects, err := env.Engine.Overview(env.Ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %+v", projects)
	}
	if projects[0].Name != "alpha" || projects[0].State != domain.StateTasksExist {
		t.Fatalf("unexpected alpha %+v", projects[0])
	}
	if projects[1].Name != "beta" || projects[1].Error == "" {
		t.Fatalf("expected beta to carry an error, got %+v", projects[1])
	}
	if projects[2].Name != "gamma" || projects[2].State != domain.StateArchived {
		t.Fatalf("unexpected gamma %+v", projects[2])
	}
}

func TestPromptLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreatePrompt(env.Ctx, "ghost", "orig", "opt", ""); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
	projects, err := env.Engine.Overview(env.Ctx)
	if err != nil || len(projects) != 0 {
		t.Fatalf("prompt on unknown project must not create it: %v %+v", err, projects)
	}

	env.seed(t, "shop", freshTasks)
	first, err := env.Engine.CreatePrompt(env.Ctx, "shop", "make it fast", "Profile then optimize the hot path.", "optimizer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(first.ID, "20240101-000000-") || len(first.ID) != len("20240101-000000-")+8 {
		t.Fatalf("unexpected prompt id %s", first.ID)
	}
	if _, err := env.Engine.CreatePrompt(env.Ctx, "shop", "", "Second", "optimizer"); err != nil {
		t.Fatalf("create second: %v", err)
	}

	pending, err := env.Engine.PendingPrompts(env.Ctx, "shop")
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %v %d", err, len(pending))
	}
	rec, err := env.Engine.ExecutePrompt(env.Ctx, "shop", first.ID, "agent")
	if err != nil || !rec.Executed || rec.ExecutedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("execute: %v %+v", err, rec)
	}
	if rec.OptimizedText != "Profile then optimize the hot path." {
		t.Fatalf("unexpected text %q", rec.OptimizedText)
	}
	if _, err := env.Engine.ExecutePrompt(env.Ctx, "shop", first.ID, "agent"); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("expected already executed, got %v", err)
	}
	removed, err := env.Engine.CleanExecuted(env.Ctx, "shop", "agent")
	if err != nil || removed != 1 {
		t.Fatalf("clean: %v %d", err, removed)
	}
	all, err := env.Engine.Prompts(env.Ctx, "shop")
	if err != nil || len(all) != 1 || all[0].Executed {
		t.Fatalf("expected one pending prompt left, got %v %+v", err, all)
	}
	if err := env.Engine.RemovePrompt(env.Ctx, "shop", first.ID, "agent"); !errors.Is(err, engine.ErrPromptNotFound) {
		t.Fatalf("expected prompt not found, got %v", err)
	}
}

func TestJournalDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.DB = nil
	env.seed(t, "shop", freshTasks)
	if _, err := env.Engine.Complete(env.Ctx, "shop", "phase-1-setup-1", engine.TaskOptions{}); err != nil {
		t.Fatalf("complete without journal: %v", err)
	}
	evts, err := env.Engine.JournalEvents(env.Ctx, repo.EventFilter{})
	if err != nil || len(evts) != 0 {
		t.Fatalf("expected no events, got %v %d", err, len(evts))
	}
}
