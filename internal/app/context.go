// Package app wires config, archive and engine into one runtime for the CLI
// and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/effects"
	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/migrate"
	"actionline/internal/repo"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/actionline.yml. An explicit path must
	// exist; the workspace file falls back to the built-in defaults.
	ConfigPath string
	// Archive enables the SQLite audit archive and event log.
	Archive bool
	Logger  *zap.Logger
	Effects effects.Executor
}

type Runtime struct {
	Config *config.Config
	Engine *engine.Engine
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *zap.Logger
}

// ResolveConfig picks the explicit config file when given, else the
// workspace file, else the defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// Open builds the runtime. With the archive enabled it migrates the
// database and restores the newest entries into the audit ring.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	engOpts := engine.Options{Logger: logger, Effects: opts.Effects}
	if opts.Archive {
		conn, err := db.Open(ctx, db.Config{
			Workspace:   opts.Workspace,
			BusyTimeout: cfg.Archive.BusyTimeout,
			Synchronous: cfg.Archive.Synchronous,
		})
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("archive migrated", zap.Strings("applied", applied), zap.String("path", db.Path(opts.Workspace)))
		}
		rt.DB = conn
		rt.Repo = repo.Repo{DB: conn}
		rt.Events = events.Writer{DB: conn}
		engOpts.Sink = rt.Repo
	}
	rt.Engine = engine.New(cfg, engOpts)
	if opts.Archive {
		entries, err := rt.Repo.ListAudit(ctx, repo.AuditQuery{Limit: cfg.Audit.Capacity})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("restore audit: %w", err)
		}
		rt.Engine.Audit.Restore(entries)
		logger.Debug("audit ring restored", zap.Int("entries", len(entries)))
	}
	return rt, nil
}

// RecordEvents appends tracker transitions to the event log until ctx is
// done. It is a no-op without the archive.
func (r *Runtime) RecordEvents(ctx context.Context) error {
	if r.DB == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel := r.Engine.SubscribeActivity("")
	defer cancel()
	return r.Events.Record(ctx, ch, r.Logger.Named("events"))
}

func (r *Runtime) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
