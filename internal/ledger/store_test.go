package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clavix/internal/config"
	"clavix/internal/domain"
	"clavix/internal/lifecycle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Locking.Timeout = 200 * time.Millisecond
	cfg.Locking.RetryDelay = 5 * time.Millisecond
	return NewStore(filepath.Join(t.TempDir(), "outputs"), cfg.Storage, cfg.Locking)
}

func seedLedger(t *testing.T, s *Store, project, content string) string {
	t.Helper()
	dir := filepath.Join(s.Root(), project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, s.Storage().TaskFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingProject(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Load(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Load(context.Background(), "archive")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestLoadMalformedCarriesPath(t *testing.T) {
	s := newTestStore(t)
	path := seedLedger(t, s, "shop", "- [X] Done\n  Task ID: phase-1-a-1\n")
	_, err := s.Load(context.Background(), "shop")
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "shop", me.Project)
	assert.Equal(t, path, me.Path)
	assert.Equal(t, 1, me.Line)
}

func TestMarkStatusPreservesOtherBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := seedLedger(t, s, "shop", sampleLedger)

	require.NoError(t, s.MarkStatus(ctx, "shop", "phase-2-checkout-flow-2", domain.TaskBlocked, "needs review"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want := strings.Replace(sampleLedger, "- [ ] Wire order submission", "- [ ] [BLOCKED: needs review] Wire order submission", 1)
	assert.Equal(t, want, string(data))

	err = s.MarkStatus(ctx, "shop", "phase-2-checkout-flow-2", domain.TaskBlocked, "")
	assert.ErrorIs(t, err, ErrInvalidReason)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tl := NewTaskList("Plan")
	_, err := tl.Append("Setup", "Init repo")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "shop", tl))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "shop"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tasks.md", entries[0].Name())

	loaded, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, tl.Render(), loaded.Render())
}

func TestSequentialSavesKeepSecondWriter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)

	first, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	second, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	require.NoError(t, first.SetStatus("phase-2-checkout-flow-1", domain.TaskDone, ""))
	require.NoError(t, second.SetStatus("phase-2-checkout-flow-2", domain.TaskDone, ""))

	require.NoError(t, s.Save(ctx, "shop", first))
	require.NoError(t, s.Save(ctx, "shop", second))

	got, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, string(second.Render()), string(got.Render()))
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := newTestStore(t)
	s.locking.Timeout = 5 * time.Second
	ctx := context.Background()
	seedLedger(t, s, "shop", "## Phase 1: Work\n")

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Update(ctx, "shop", func(tl *TaskList) error {
				_, err := tl.Append("Work", fmt.Sprintf("step %d", i))
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tl, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, writers, tl.Len())
}

func TestLockTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)

	unlock, err := s.lockProject(ctx, "shop")
	require.NoError(t, err)
	defer unlock()

	err = s.MarkStatus(ctx, "shop", "phase-2-checkout-flow-1", domain.TaskDone, "")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockIsSharedAcrossStores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)
	other := NewStore(s.Root(), s.storage, s.locking)

	unlock, err := s.lockProject(ctx, "shop")
	require.NoError(t, err)
	err = other.MarkStatus(ctx, "shop", "phase-2-checkout-flow-1", domain.TaskDone, "")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	require.NoError(t, other.MarkStatus(ctx, "shop", "phase-2-checkout-flow-1", domain.TaskDone, ""))
}

func TestObserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	obs, art, err := s.Observe(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, obs.Requirements || obs.TaskList || obs.ImplementConfig)
	assert.Empty(t, art.RequirementsFile)

	require.NoError(t, s.WriteRequirements(ctx, "shop", "quick-prd.md", []byte("# PRD\n")))
	obs, art, err = s.Observe(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, obs.Requirements)
	assert.Equal(t, "quick-prd.md", art.RequirementsFile)
	assert.False(t, obs.TaskList)

	seedLedger(t, s, "shop", sampleLedger)
	created, err := s.WriteImplementConfig(ctx, "shop", domain.ImplementConfig{Project: "shop", StartedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.WriteImplementConfig(ctx, "shop", domain.ImplementConfig{Project: "shop"})
	require.NoError(t, err)
	assert.False(t, created)

	obs, _, err = s.Observe(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, obs.TaskList)
	assert.True(t, obs.ImplementConfig)
	assert.Equal(t, domain.TaskCounts{Total: 4, Done: 1, Pending: 2, Blocked: 1}, obs.Counts)

	ic, err := s.ReadImplementConfig(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", ic.StartedAt)

	assert.ErrorIs(t, s.WriteRequirements(ctx, "shop", "../x.md", nil), ErrInvalidName)
}

func TestArchiveAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)

	require.NoError(t, s.Archive(ctx, "shop", nil))
	assert.ErrorIs(t, s.Archive(ctx, "shop", nil), ErrArchived)

	obs, _, err := s.Observe(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, obs.Archived)
	assert.Equal(t, 4, obs.Counts.Total)

	assert.ErrorIs(t, s.MarkStatus(ctx, "shop", "phase-2-checkout-flow-1", domain.TaskDone, ""), ErrArchived)
	assert.ErrorIs(t, s.WriteRequirements(ctx, "shop", "full-prd.md", []byte("x")), ErrArchived)

	refs, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProjectRef{{Name: "shop", Archived: true}}, refs)

	require.NoError(t, s.Restore(ctx, "shop"))
	assert.ErrorIs(t, s.Restore(ctx, "shop"), ErrNotArchived)
	assert.ErrorIs(t, s.Restore(ctx, "ghost"), ErrNotFound)

	tl, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, sampleLedger, string(tl.Render()))
}

func TestArchiveCheckRunsUnderLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)

	veto := fmt.Errorf("not yet")
	var seen lifecycle.Observation
	err := s.Archive(ctx, "shop", func(obs lifecycle.Observation) error {
		seen = obs
		// A second writer must wait for the archive decision.
		wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := s.Update(wctx, "shop", func(tl *TaskList) error {
			_, err := tl.Append("", "Sneak in")
			return err
		})
		assert.ErrorIs(t, err, ErrLockTimeout)
		return veto
	})
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, 4, seen.Counts.Total)

	obs, _, err := s.Observe(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, obs.Archived)
	assert.Equal(t, 4, obs.Counts.Total)
}

func TestRestoreRefusesToOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "shop", sampleLedger)
	require.NoError(t, s.Archive(ctx, "shop", nil))
	seedLedger(t, s, "shop", "# new\n")

	assert.ErrorIs(t, s.Restore(ctx, "shop"), ErrExists)
}

func TestCreateTaskList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tl, err := Parse([]byte(sampleLedger))
	require.NoError(t, err)

	require.NoError(t, s.CreateTaskList(ctx, "shop", tl, false))
	assert.ErrorIs(t, s.CreateTaskList(ctx, "shop", tl, false), ErrExists)
	require.NoError(t, s.CreateTaskList(ctx, "shop", NewTaskList("Fresh"), true))

	got, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "# Fresh\n", string(got.Render()))
}

func TestProjectsSkipsHiddenDirs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLedger(t, s, "beta", "")
	seedLedger(t, s, "alpha", "")
	unlock, err := s.lockProject(ctx, "alpha")
	require.NoError(t, err)
	unlock()
	require.DirExists(t, filepath.Join(s.Root(), ".locks"))

	refs, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProjectRef{{Name: "alpha"}, {Name: "beta"}}, refs)
}

func TestPromptRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := domain.PromptRecord{
		ID:             "20260102-030405-0a1b2c3d",
		Timestamp:      "2026-01-02T03:04:05Z",
		OriginalPrompt: "make it faster",
		OptimizedText:  "# Objective\n\nProfile the hot path.\n---\nthen fix it\n",
	}
	assert.ErrorIs(t, s.SavePrompt(ctx, "shop", rec), ErrNotFound)
	_, err := os.Stat(filepath.Join(s.Root(), "shop"))
	assert.True(t, os.IsNotExist(err), "saving a prompt must not create the project")

	seedLedger(t, s, "shop", sampleLedger)
	require.NoError(t, s.SavePrompt(ctx, "shop", rec))
	assert.ErrorIs(t, s.SavePrompt(ctx, "shop", rec), ErrExists)

	got, err := s.LoadPrompt(ctx, "shop", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	updated, err := s.UpdatePrompt(ctx, "shop", rec.ID, func(r *domain.PromptRecord) error {
		r.Executed = true
		r.ExecutedAt = "2026-01-02T04:00:00Z"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Executed)

	list, err := s.ListPrompts(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Executed)
	assert.Equal(t, rec.OptimizedText, list[0].OptimizedText)

	require.NoError(t, s.RemovePrompt(ctx, "shop", rec.ID))
	assert.ErrorIs(t, s.RemovePrompt(ctx, "shop", rec.ID), ErrPromptNotFound)
	_, err = s.LoadPrompt(ctx, "shop", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestDecodePromptRejectsMissingFrontMatter(t *testing.T) {
	_, err := DecodePrompt([]byte("just text"))
	assert.Error(t, err)
	_, err = DecodePrompt([]byte("---\nid: x\n"))
	assert.Error(t, err)
}
