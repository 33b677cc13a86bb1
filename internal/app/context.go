package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"clavix/internal/config"
	"clavix/internal/db"
	"clavix/internal/engine"
	"clavix/internal/ledger"
	"clavix/internal/logging"
	"clavix/internal/migrate"
)

// Options select the workspace and override config values from flags.
type Options struct {
	Workspace string
	// LogLevel overrides log.level when set.
	LogLevel string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// NoJournal skips opening the journal database.
	NoJournal bool
	// ConfigFile replaces <workspace>/clavix.yml when set. It must exist.
	ConfigFile string
}

// Env is everything a command needs: config, store, journal and engine.
type Env struct {
	Workspace string
	Config    *config.Config
	Store     *ledger.Store
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open loads clavix.yml (defaults when absent) or opts.ConfigFile and wires
// the engine.
func Open(ctx context.Context, opts Options) (*Env, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	var cfg *config.Config
	var err error
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := logging.New(cfg.Log, out)

	store := ledger.NewStore(cfg.StorageRoot(workspace), cfg.Storage, cfg.Locking)
	store.Logger = logger

	var conn *sql.DB
	if cfg.Journal.Enabled && !opts.NoJournal {
		conn, err = db.Open(cfg.JournalPath(workspace))
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
	}
	eng := engine.New(store, conn, cfg)
	eng.Logger = logger
	return &Env{
		Workspace: workspace,
		Config:    cfg,
		Store:     store,
		DB:        conn,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

// Close releases the journal connection.
func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// ReadRetryDelay is the pause before the single retry of a failed read.
var ReadRetryDelay = 100 * time.Millisecond

// RetryRead runs a read and retries it once when it fails with a storage
// error. Other errors are returned as they are.
func RetryRead[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(ReadRetryDelay), 1), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ledger.ErrIO) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}
