package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"clavix/internal/config"
	"clavix/internal/domain"
	"clavix/internal/lifecycle"
)

var projectName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Store owns every project artifact under one storage root. It is the only
// component that writes project files.
type Store struct {
	root    string
	storage config.Storage
	locking config.Locking
	locks   *projectLocks
	Logger  *slog.Logger
}

// ProjectRef names a project and where it currently lives.
type ProjectRef struct {
	Name     string
	Archived bool
}

// NewStore builds a store rooted at root. Nothing is created on disk until
// the first write.
func NewStore(root string, storage config.Storage, locking config.Locking) *Store {
	return &Store{
		root:    root,
		storage: storage,
		locking: locking,
		locks:   newProjectLocks(),
		Logger:  slog.Default(),
	}
}

// Root is the storage root the store was built with.
func (s *Store) Root() string { return s.root }

// Storage returns the storage layout the store uses.
func (s *Store) Storage() config.Storage { return s.storage }

// ValidateName checks a project name.
func (s *Store) ValidateName(name string) error {
	if !projectName.MatchString(name) || name == s.storage.ArchiveDir {
		return fmt.Errorf("%w: project %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) activeDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) archivedDir(name string) string {
	return filepath.Join(s.root, s.storage.ArchiveDir, name)
}

// ArchiveRoot is the directory holding archived projects.
func (s *Store) ArchiveRoot() string {
	return filepath.Join(s.root, s.storage.ArchiveDir)
}

// locate finds a project directory. The active copy wins over an archived one.
func (s *Store) locate(name string) (dir string, archived bool, err error) {
	if err := s.ValidateName(name); err != nil {
		return "", false, err
	}
	for _, c := range []struct {
		dir      string
		archived bool
	}{{s.activeDir(name), false}, {s.archivedDir(name), true}} {
		info, err := os.Stat(c.dir)
		switch {
		case err == nil && info.IsDir():
			return c.dir, c.archived, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", false, ioErr("stat", c.dir, err)
		}
	}
	return "", false, fmt.Errorf("%w: project %s", ErrNotFound, name)
}

// writableDir returns the active directory for name, refusing projects that
// only exist in the archive.
func (s *Store) writableDir(name string) (string, error) {
	dir, archived, err := s.locate(name)
	if errors.Is(err, ErrNotFound) {
		return s.activeDir(name), nil
	}
	if err != nil {
		return "", err
	}
	if archived {
		return "", fmt.Errorf("%w: %s", ErrArchived, name)
	}
	return dir, nil
}

// Exists reports whether a project exists, active or archived.
func (s *Store) Exists(name string) (bool, error) {
	_, _, err := s.locate(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// TaskFilePath returns the ledger path of a project, following the archive.
func (s *Store) TaskFilePath(name string) (string, error) {
	dir, _, err := s.locate(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.storage.TaskFile), nil
}

// Load reads and parses a project's task list. Reads take no lock.
func (s *Store) Load(ctx context.Context, name string) (*TaskList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, _, err := s.locate(name)
	if err != nil {
		return nil, err
	}
	return s.loadFrom(name, filepath.Join(dir, s.storage.TaskFile))
}

func (s *Store) loadFrom(name, path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: task list for %s", ErrNotFound, name)
		}
		return nil, ioErr("read", path, err)
	}
	tl, err := Parse(data)
	if err != nil {
		var me *MalformedError
		if errors.As(err, &me) {
			me.Project = name
			me.Path = path
		}
		return nil, err
	}
	return tl, nil
}

// Save replaces a project's task list atomically under the project lock.
func (s *Store) Save(ctx context.Context, name string, tl *TaskList) error {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.writableDir(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, s.storage.TaskFile), tl.Render(), 0o644)
}

// Update is the read-modify-write primitive: it loads the task list under the
// project lock, applies fn, and saves only when fn succeeds.
func (s *Store) Update(ctx context.Context, name string, fn func(*TaskList) error) error {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.existingActiveDir(name)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, s.storage.TaskFile)
	tl, err := s.loadFrom(name, path)
	if err != nil {
		return err
	}
	if err := fn(tl); err != nil {
		return err
	}
	return writeFileAtomic(path, tl.Render(), 0o644)
}

// MarkStatus changes exactly one task's checkbox line.
func (s *Store) MarkStatus(ctx context.Context, name, taskID string, status domain.TaskStatus, reason string) error {
	return s.Update(ctx, name, func(tl *TaskList) error {
		return tl.SetStatus(taskID, status, reason)
	})
}

// Observe gathers what the classifier needs for one project.
func (s *Store) Observe(ctx context.Context, name string) (lifecycle.Observation, domain.Artifacts, error) {
	var obs lifecycle.Observation
	var art domain.Artifacts
	if err := ctx.Err(); err != nil {
		return obs, art, err
	}
	dir, archived, err := s.locate(name)
	if errors.Is(err, ErrNotFound) {
		return obs, art, nil
	}
	if err != nil {
		return obs, art, err
	}
	obs.Archived = archived
	for _, f := range s.storage.RequirementsFiles {
		ok, err := fileExists(filepath.Join(dir, f))
		if err != nil {
			return obs, art, err
		}
		if ok {
			obs.Requirements = true
			art.RequirementsFile = f
			break
		}
	}
	if obs.ImplementConfig, err = fileExists(filepath.Join(dir, s.storage.ImplementConfig)); err != nil {
		return obs, art, err
	}
	taskPath := filepath.Join(dir, s.storage.TaskFile)
	if obs.TaskList, err = fileExists(taskPath); err != nil {
		return obs, art, err
	}
	if obs.TaskList {
		tl, err := s.loadFrom(name, taskPath)
		if err != nil {
			return obs, art, err
		}
		obs.Counts = tl.Counts()
	}
	art.Requirements = obs.Requirements
	art.TaskList = obs.TaskList
	art.ImplementConfig = obs.ImplementConfig
	return obs, art, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, ioErr("stat", path, err)
}

// WriteRequirements stores a requirements document, creating the project.
func (s *Store) WriteRequirements(ctx context.Context, name, file string, content []byte) error {
	if !s.isRequirementsFile(file) {
		return fmt.Errorf("%w: requirements file %q", ErrInvalidName, file)
	}
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.writableDir(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, file), content, 0o644)
}

func (s *Store) isRequirementsFile(file string) bool {
	for _, f := range s.storage.RequirementsFiles {
		if f == file {
			return true
		}
	}
	return false
}

// ReadRequirements returns the first requirements document found.
func (s *Store) ReadRequirements(ctx context.Context, name string) (string, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	dir, _, err := s.locate(name)
	if err != nil {
		return "", nil, err
	}
	for _, f := range s.storage.RequirementsFiles {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err == nil {
			return f, data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, ioErr("read", path, err)
		}
	}
	return "", nil, fmt.Errorf("%w: requirements for %s", ErrNotFound, name)
}

// CreateTaskList writes a whole task list. It fails with ErrExists when one is
// already present unless overwrite is set.
func (s *Store) CreateTaskList(ctx context.Context, name string, tl *TaskList, overwrite bool) error {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.writableDir(name)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, s.storage.TaskFile)
	if !overwrite {
		exists, err := fileExists(path)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: task list for %s", ErrExists, name)
		}
	}
	return writeFileAtomic(path, tl.Render(), 0o644)
}

// WriteImplementConfig writes the implementation config once. It reports
// whether this call created it.
func (s *Store) WriteImplementConfig(ctx context.Context, name string, ic domain.ImplementConfig) (bool, error) {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()
	dir, err := s.existingActiveDir(name)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, s.storage.ImplementConfig)
	exists, err := fileExists(path)
	if err != nil || exists {
		return false, err
	}
	data, err := json.MarshalIndent(ic, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// ReadImplementConfig loads the implementation config of a project.
func (s *Store) ReadImplementConfig(ctx context.Context, name string) (domain.ImplementConfig, error) {
	var ic domain.ImplementConfig
	if err := ctx.Err(); err != nil {
		return ic, err
	}
	dir, _, err := s.locate(name)
	if err != nil {
		return ic, err
	}
	path := filepath.Join(dir, s.storage.ImplementConfig)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ic, fmt.Errorf("%w: implementation config for %s", ErrNotFound, name)
		}
		return ic, ioErr("read", path, err)
	}
	if err := json.Unmarshal(data, &ic); err != nil {
		return ic, fmt.Errorf("decode %s: %w", path, err)
	}
	return ic, nil
}

// Archive moves an active project under the archive directory. check, when
// not nil, sees the project as observed under the write lock and can veto the
// move.
func (s *Store) Archive(ctx context.Context, name string, check func(lifecycle.Observation) error) error {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	if check != nil {
		obs, _, err := s.Observe(ctx, name)
		if err != nil {
			return err
		}
		if err := check(obs); err != nil {
			return err
		}
	}
	return s.move(name, s.activeDir(name), s.archivedDir(name), ErrArchived)
}

// Restore moves an archived project back to the active collection.
func (s *Store) Restore(ctx context.Context, name string) error {
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return s.move(name, s.archivedDir(name), s.activeDir(name), ErrNotArchived)
}

// move renames src to dst. A missing src is reported as missing when the
// project lives nowhere, and as wrongPlace when it lives on the other side.
func (s *Store) move(name, src, dst string, wrongPlace error) error {
	if err := s.ValidateName(name); err != nil {
		return err
	}
	srcOK, err := dirExists(src)
	if err != nil {
		return err
	}
	dstOK, err := dirExists(dst)
	if err != nil {
		return err
	}
	switch {
	case !srcOK && dstOK:
		return fmt.Errorf("%w: %s", wrongPlace, name)
	case !srcOK:
		return fmt.Errorf("%w: project %s", ErrNotFound, name)
	case dstOK:
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ioErr("mkdir", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return ioErr("rename", src, err)
	}
	return nil
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, ioErr("stat", path, err)
}

// Projects lists active and archived projects sorted by name.
func (s *Store) Projects(ctx context.Context) ([]ProjectRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ProjectRef
	active, err := s.listDirs(s.root)
	if err != nil {
		return nil, err
	}
	for _, n := range active {
		if n != s.storage.ArchiveDir {
			out = append(out, ProjectRef{Name: n})
		}
	}
	archived, err := s.listDirs(s.ArchiveRoot())
	if err != nil {
		return nil, err
	}
	for _, n := range archived {
		out = append(out, ProjectRef{Name: n, Archived: true})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return !out[i].Archived && out[j].Archived
	})
	return out, nil
}

func (s *Store) listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("readdir", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || !projectName.MatchString(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
