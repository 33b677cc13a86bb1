package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"clavix/internal/config"
	"clavix/internal/domain"
	"clavix/internal/events"
	"clavix/internal/ledger"
	"clavix/internal/lifecycle"
	"clavix/internal/repo"
)

// DefaultActor is recorded in the journal when a caller does not name itself.
const DefaultActor = "local"

type Engine struct {
	Store  *ledger.Store
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

// New wires an engine. db may be nil, which disables the journal.
func New(store *ledger.Store, db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		Store:  store,
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// JournalEnabled reports whether mutations are recorded.
func (e Engine) JournalEnabled() bool { return e.DB != nil }

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return DefaultActor
	}
	return actor
}

// record appends journal events. The ledger is already written when this
// runs, so a failure is reported as ErrJournal rather than undone.
func (e Engine) record(ctx context.Context, records ...events.Record) error {
	if e.DB == nil || len(records) == 0 {
		return nil
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.AppendAll(ctx, e.DB, records...); err != nil {
		e.log().Warn("journal append failed", "event", records[0].Type, "project", records[0].ProjectID, "error", err)
		return fmt.Errorf("%w: %v", ErrJournal, err)
	}
	return nil
}

// stateChange builds the journal record for a lifecycle move and logs it.
func (e Engine) stateChange(project, actor string, from, to domain.State, forced bool) []events.Record {
	if from == to || from == "" || to == "" {
		return nil
	}
	if lifecycle.CanTransition(from, to) || forced {
		e.log().Info("project state changed", "project", project, "from", from, "to", to)
	} else {
		e.log().Warn("unexpected project state change", "project", project, "from", from, "to", to)
	}
	return []events.Record{{
		Type:       events.ProjectStateChanged,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
		Payload:    events.EventPayload{"from": string(from), "to": string(to)},
	}}
}

// state classifies a project, returning "" when it cannot be observed.
func (e Engine) state(ctx context.Context, project string) domain.State {
	obs, _, err := e.Store.Observe(ctx, project)
	if err != nil {
		return ""
	}
	return lifecycle.Classify(obs)
}

// Status reports a project's lifecycle state, artifacts, counts and current
// task. A project with no artifacts is reported as no_project.
func (e Engine) Status(ctx context.Context, project string) (domain.Project, error) {
	p := domain.Project{Name: project}
	obs, art, err := e.Store.Observe(ctx, project)
	if err != nil {
		return p, err
	}
	p.State = lifecycle.Classify(obs)
	p.Archived = obs.Archived
	p.Artifacts = art
	p.Counts = obs.Counts
	if obs.ImplementConfig {
		ic, err := e.Store.ReadImplementConfig(ctx, project)
		if err != nil {
			e.log().Warn("read implementation config", "project", project, "error", err)
		} else {
			p.Implementation = &ic
		}
	}
	if obs.TaskList {
		tl, err := e.Store.Load(ctx, project)
		if err != nil {
			return p, err
		}
		if cur, ok := tl.Current(); ok {
			p.Current = &cur
		}
	}
	return p, nil
}

// Overview classifies every project. Projects are independent, so they are
// observed concurrently; a project that cannot be read carries its error
// instead of failing the whole overview.
func (e Engine) Overview(ctx context.Context) ([]domain.Project, error) {
	refs, err := e.Store.Projects(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, ref := range refs {
		if seen[ref.Name] {
			e.log().Warn("project exists both active and archived", "project", ref.Name)
			continue
		}
		seen[ref.Name] = true
		names = append(names, ref.Name)
	}
	out := make([]domain.Project, len(names))
	g, gctx := errgroup.WithContext(ctx)
	limit := 4
	if e.Config != nil && e.Config.Storage.OverviewParallelism > 0 {
		limit = e.Config.Storage.OverviewParallelism
	}
	g.SetLimit(limit)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			p, err := e.Status(gctx, name)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				p.Error = err.Error()
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveOptions control archiving.
type ArchiveOptions struct {
	ActorID string
	// Force archives a project whose tasks are not all done.
	Force bool
}

// Archive moves a completed project into the archive. Completion is checked
// under the project lock, so a concurrent writer cannot slip unfinished work
// into the archive.
func (e Engine) Archive(ctx context.Context, project string, opts ArchiveOptions) (domain.Project, error) {
	before := domain.Project{Name: project}
	err := e.Store.Archive(ctx, project, func(obs lifecycle.Observation) error {
		before.State = lifecycle.Classify(obs)
		before.Archived = obs.Archived
		before.Counts = obs.Counts
		switch before.State {
		case domain.StateArchived:
			return fmt.Errorf("%w: %s", ErrArchived, project)
		case domain.StateNoProject:
			return fmt.Errorf("%w: project %s", ErrNotFound, project)
		case domain.StateAllComplete:
			return nil
		}
		if !opts.Force {
			return fmt.Errorf("%w: %s is %s with %d of %d tasks remaining", ErrNotComplete, project, before.State, before.Counts.Remaining(), before.Counts.Total)
		}
		return nil
	})
	if err != nil {
		return before, err
	}
	after, err := e.Status(ctx, project)
	if err != nil {
		return after, err
	}
	actor := actorOrDefault(opts.ActorID)
	records := []events.Record{{
		Type:       events.ProjectArchived,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
		Payload:    events.EventPayload{"from": string(before.State), "forced": opts.Force && before.State != domain.StateAllComplete},
	}}
	records = append(records, e.stateChange(project, actor, before.State, after.State, opts.Force)...)
	return after, e.record(ctx, records...)
}

// Restore moves an archived project back and reports its recomputed state.
func (e Engine) Restore(ctx context.Context, project, actorID string) (domain.Project, error) {
	// A malformed archived ledger can still be restored and repaired by hand.
	obs, _, obsErr := e.Store.Observe(ctx, project)
	if err := e.Store.Restore(ctx, project); err != nil {
		return domain.Project{Name: project}, err
	}
	after, err := e.Status(ctx, project)
	if err != nil {
		return after, err
	}
	if want := lifecycle.Restored(obs); obsErr == nil && obs.Archived && after.State != want {
		e.log().Warn("restored project changed while moving", "project", project, "expected", want, "state", after.State)
	}
	actor := actorOrDefault(actorID)
	records := []events.Record{{
		Type:       events.ProjectRestored,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
		Payload:    events.EventPayload{"state": string(after.State)},
	}}
	records = append(records, e.stateChange(project, actor, domain.StateArchived, after.State, false)...)
	return after, e.record(ctx, records...)
}

// RequirementsOptions control WriteRequirements.
type RequirementsOptions struct {
	ActorID string
	// File is one of the configured requirements file names. Empty picks the
	// first configured name.
	File string
}

// WriteRequirements stores a requirements document, creating the project if
// needed.
func (e Engine) WriteRequirements(ctx context.Context, project string, content []byte, opts RequirementsOptions) (domain.Project, error) {
	if len(strings.TrimSpace(string(content))) == 0 {
		return domain.Project{Name: project}, errors.New("requirements content is empty")
	}
	file := opts.File
	if file == "" {
		file = e.Store.Storage().RequirementsFiles[0]
	}
	before := e.state(ctx, project)
	if err := e.Store.WriteRequirements(ctx, project, file, content); err != nil {
		return domain.Project{Name: project}, err
	}
	after, err := e.Status(ctx, project)
	if err != nil {
		return after, err
	}
	actor := actorOrDefault(opts.ActorID)
	records := []events.Record{{
		Type:       events.RequirementsWritten,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
		Payload:    events.EventPayload{"file": file, "bytes": len(content)},
	}}
	records = append(records, e.stateChange(project, actor, before, after.State, false)...)
	return after, e.record(ctx, records...)
}

// ImportOptions control ImportTasks.
type ImportOptions struct {
	ActorID string
	// Force replaces an existing task list.
	Force bool
}

// ImportTasks stores a complete task list produced by a planner. The document
// must already follow the ledger grammar.
func (e Engine) ImportTasks(ctx context.Context, project string, document []byte, opts ImportOptions) (domain.Project, error) {
	tl, err := ledger.Parse(document)
	if err != nil {
		var me *ledger.MalformedError
		if errors.As(err, &me) {
			me.Project = project
		}
		return domain.Project{Name: project}, err
	}
	before := e.state(ctx, project)
	if err := e.Store.CreateTaskList(ctx, project, tl, opts.Force); err != nil {
		return domain.Project{Name: project}, err
	}
	after, err := e.Status(ctx, project)
	if err != nil {
		return after, err
	}
	actor := actorOrDefault(opts.ActorID)
	records := []events.Record{{
		Type:       events.TasksImported,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
		Payload:    events.EventPayload{"tasks": tl.Len(), "replaced": opts.Force},
	}}
	records = append(records, e.stateChange(project, actor, before, after.State, opts.Force)...)
	return after, e.record(ctx, records...)
}

// StartImplementation writes the implementation config. It reports whether
// this call started the implementation.
func (e Engine) StartImplementation(ctx context.Context, project, actorID string) (bool, error) {
	before := e.state(ctx, project)
	switch before {
	case domain.StateNoProject, "":
		return false, fmt.Errorf("%w: project %s", ErrNotFound, project)
	case domain.StateRequirementsExist:
		return false, fmt.Errorf("%w: %s", ErrNoTaskList, project)
	case domain.StateArchived:
		return false, fmt.Errorf("%w: %s", ErrArchived, project)
	}
	created, err := e.ensureStarted(ctx, project, actorID)
	if err != nil || !created {
		return created, err
	}
	actor := actorOrDefault(actorID)
	return true, e.record(ctx, e.stateChange(project, actor, before, e.state(ctx, project), false)...)
}

// ensureStarted writes the implementation config on the first status change
// and journals it.
func (e Engine) ensureStarted(ctx context.Context, project, actorID string) (bool, error) {
	actor := actorOrDefault(actorID)
	created, err := e.Store.WriteImplementConfig(ctx, project, domain.ImplementConfig{
		Project:   project,
		StartedAt: e.now().UTC().Format(time.RFC3339),
		StartedBy: actor,
	})
	if err != nil || !created {
		return created, err
	}
	return true, e.record(ctx, events.Record{
		Type:       events.ImplementationStarted,
		ProjectID:  project,
		EntityKind: events.KindProject,
		EntityID:   project,
		ActorID:    actor,
	})
}

// JournalEvent returns one journal event of a project.
func (e Engine) JournalEvent(ctx context.Context, project string, id int64) (domain.Event, error) {
	if e.DB == nil {
		return domain.Event{}, fmt.Errorf("%w: event %d (journal disabled)", ErrNotFound, id)
	}
	evt, err := e.Repo.GetEvent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && evt.ProjectID != project) {
		return domain.Event{}, fmt.Errorf("%w: event %d in %s", ErrNotFound, id, project)
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrJournal, err)
	}
	return evt, nil
}

// JournalEvents returns the newest journal events matching filter.
func (e Engine) JournalEvents(ctx context.Context, filter repo.EventFilter) ([]domain.Event, error) {
	if e.DB == nil {
		return nil, nil
	}
	return e.Repo.LatestEvents(ctx, filter)
}
