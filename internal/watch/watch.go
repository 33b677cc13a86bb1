// Package watch reclassifies projects when their artifacts change on disk,
// whether the change came from clavix or from a hand edit.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"clavix/internal/domain"
	"clavix/internal/engine"
	"clavix/internal/lifecycle"
)

// DefaultDebounce groups the bursts of events a single save produces.
const DefaultDebounce = 300 * time.Millisecond

// Change reports a project whose state or task counts moved.
type Change struct {
	Project  string
	Previous domain.Project
	Current  domain.Project
	// Err is set when the project could no longer be read, e.g. a hand edit
	// left the task list malformed.
	Err error
}

// StateChanged reports whether the lifecycle state moved.
func (c Change) StateChanged() bool { return c.Previous.State != c.Current.State }

// Watcher observes the storage root and reports changes.
type Watcher struct {
	Engine   engine.Engine
	Debounce time.Duration
	Logger   *slog.Logger
	OnChange func(Change)

	known map[string]domain.Project
	ready chan struct{}
}

// New returns a watcher for e's storage root.
func New(e engine.Engine, onChange func(Change)) *Watcher {
	return &Watcher{Engine: e, Debounce: DefaultDebounce, Logger: e.Logger, OnChange: onChange, ready: make(chan struct{})}
}

// Ready is closed once Run has taken its initial snapshot.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

func (w *Watcher) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run watches until ctx is done. Projects are classified once at start so
// that only later changes are reported.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.Engine.Store.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := w.addTree(ctx, fsw); err != nil {
		return err
	}
	w.known = map[string]domain.Project{}
	overview, err := w.Engine.Overview(ctx)
	if err != nil {
		return err
	}
	for _, p := range overview {
		w.known[p.Name] = p
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	pending := map[string]bool{}
	if w.ready != nil {
		close(w.ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && w.watchable(ev.Name) {
				if err := fsw.Add(ev.Name); err != nil {
					w.log().Warn("watch directory failed", "path", ev.Name, "error", err)
				}
			}
			if project := w.projectOf(ev.Name); project != "" {
				pending[project] = true
				timer.Reset(debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log().Warn("watcher error", "error", err)
		case <-timer.C:
			for project := range pending {
				w.refresh(ctx, project)
				delete(pending, project)
			}
		}
	}
}

// addTree watches the root, the archive and every project directory.
func (w *Watcher) addTree(ctx context.Context, fsw *fsnotify.Watcher) error {
	store := w.Engine.Store
	dirs := []string{store.Root()}
	if info, err := os.Stat(store.ArchiveRoot()); err == nil && info.IsDir() {
		dirs = append(dirs, store.ArchiveRoot())
	}
	refs, err := store.Projects(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Archived {
			dirs = append(dirs, filepath.Join(store.ArchiveRoot(), ref.Name))
		} else {
			dirs = append(dirs, filepath.Join(store.Root(), ref.Name))
		}
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return nil
}

// relParts splits a path under the storage root.
func (w *Watcher) relParts(path string) []string {
	rel, err := filepath.Rel(w.Engine.Store.Root(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

// watchable reports whether a newly created path is a directory the watcher
// should follow: the archive, or a project directory.
func (w *Watcher) watchable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	parts := w.relParts(path)
	storage := w.Engine.Store.Storage()
	switch {
	case len(parts) == 1:
		return parts[0] != storage.LocksDir && !strings.HasPrefix(parts[0], ".")
	case len(parts) == 2 && parts[0] == storage.ArchiveDir:
		return !strings.HasPrefix(parts[1], ".")
	}
	return false
}

// projectOf maps an event path to the project it belongs to, or "" for paths
// that cannot change a project's state.
func (w *Watcher) projectOf(path string) string {
	parts := w.relParts(path)
	storage := w.Engine.Store.Storage()
	if len(parts) > 0 && parts[0] == storage.ArchiveDir {
		parts = parts[1:]
	}
	if len(parts) == 0 || parts[0] == storage.LocksDir || parts[0] == storage.ArchiveDir {
		return ""
	}
	if strings.HasPrefix(parts[0], ".") {
		return ""
	}
	if len(parts) > 2 || (len(parts) == 2 && strings.Contains(parts[1], ".tmp.")) {
		return ""
	}
	if w.Engine.Store.ValidateName(parts[0]) != nil {
		return ""
	}
	return parts[0]
}

func (w *Watcher) refresh(ctx context.Context, project string) {
	prev := w.known[project]
	if prev.Name == "" {
		prev = domain.Project{Name: project, State: domain.StateNoProject}
	}
	cur, err := w.Engine.Status(ctx, project)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.log().Warn("project unreadable after change", "project", project, "error", err)
		w.emit(Change{Project: project, Previous: prev, Current: prev, Err: err})
		return
	}
	w.known[project] = cur
	if cur.State == prev.State && cur.Counts == prev.Counts {
		return
	}
	if cur.State != prev.State {
		if lifecycle.CanTransition(prev.State, cur.State) {
			w.log().Info("project state changed", "project", project, "from", prev.State, "to", cur.State)
		} else {
			w.log().Warn("unexpected project state change", "project", project, "from", prev.State, "to", cur.State)
		}
	}
	w.emit(Change{Project: project, Previous: prev, Current: cur})
}

func (w *Watcher) emit(c Change) {
	if w.OnChange != nil {
		w.OnChange(c)
	}
}
