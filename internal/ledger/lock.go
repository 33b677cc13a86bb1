package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// projectLocks hands out one in-process semaphore per project. The flock file
// then serializes writers across processes.
type projectLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newProjectLocks() *projectLocks {
	return &projectLocks{sems: map[string]chan struct{}{}}
}

func (l *projectLocks) get(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[name] = sem
	}
	return sem
}

// LockPath is the advisory lock file of a project.
func (s *Store) LockPath(name string) string {
	return filepath.Join(s.root, s.storage.LocksDir, name+".lock")
}

// lockProject acquires the single-writer lock of a project, waiting at most
// locking.timeout. The returned func releases it.
func (s *Store) lockProject(ctx context.Context, name string) (func(), error) {
	if err := s.ValidateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.locking.Timeout)
	defer cancel()

	sem := s.locks.get(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, lockErr(ctx, name)
	}

	path := s.LockPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		<-sem
		return nil, ioErr("mkdir", filepath.Dir(path), err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, s.locking.RetryDelay)
	if err != nil || !ok {
		<-sem
		if err == nil || ctx.Err() != nil {
			return nil, lockErr(ctx, name)
		}
		return nil, ioErr("lock", path, err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.Logger.Warn("release project lock", "project", name, "path", path, "error", err)
		}
		<-sem
	}, nil
}

func lockErr(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, name)
}
