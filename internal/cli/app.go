package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rpggio/outpost/internal/central"
	"github.com/rpggio/outpost/internal/config"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/sqlite"
	"github.com/rpggio/outpost/internal/syncer"
)

// loadConfig reads configuration and applies global flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.ConfigPath != "" {
		if err := os.Setenv("OUTPOST_CONFIG_PATH", opts.ConfigPath); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "setting config path", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, nil
}

// app holds the components one process runs over the local store.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sqlite.DB
	store    *sqlite.Store
	queue    *queue.Queue
	sessions *session.Service
	activity *activity.Service
	central  *central.Postgres
	engine   *syncer.Engine
}

// openApp opens the local store and the domain services. With withSync it
// also connects to central and builds the sync engine, when configured.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger, withSync bool) (*app, error) {
	db, err := sqlite.Open(cfg.DB.Path, sqlite.Options{Logger: logger})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "opening local store", err)
	}
	if rec := db.Recovery(); rec.Corrupt {
		logger.Warn("local store was recovered",
			"moved_to", rec.MovedTo,
			"restored_from", rec.RestoredFrom,
			"started_empty", rec.StartedEmpty)
	}

	a := &app{cfg: cfg, logger: logger, db: db, store: sqlite.NewStore(db)}
	a.queue = queue.New(cfg.Gate.QueueSize, logger)
	a.queue.Start()

	a.sessions = session.NewService(session.NewFileStore(cfg.Identity.StatePath), cfg.Identity.OperatorID, logger)
	if err := a.sessions.Open(); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "loading session state", err)
	}
	if a.sessions.OperatorID() == "" {
		logger.Warn("no operator configured; requests must carry an operator")
	}

	a.activity = activity.NewService(a.store, safety.NewEvaluator(a.store, logger), logger)

	if !withSync {
		return a, nil
	}
	switch {
	case !cfg.Sync.Enabled:
		logger.Info("sync disabled by configuration")
	case cfg.Central.DSN == "":
		logger.Warn("sync disabled: no central DSN configured")
	default:
		pg, err := central.Connect(ctx, cfg.Central.DSN, logger)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "configuring central store", err)
		}
		a.central = pg
		a.engine = syncer.New(pg, a.store, a.store, a.queue, syncer.Options{
			PullInterval: cfg.Sync.PullInterval.Std(),
			PushInterval: cfg.Sync.PushInterval.Std(),
			BatchSize:    cfg.Sync.BatchSize,
			RetryBase:    cfg.Sync.RetryBase.Std(),
			RetryMax:     cfg.Sync.RetryMax.Std(),
			Logger:       logger,
		})
	}
	return a, nil
}

// Close drains the write queue before closing the store.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.central != nil {
		a.central.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing local store", "error", err)
		}
	}
}

// statusProvider adapts the app to the HTTP /status endpoint.
type statusProvider struct {
	app *app
}

type agentStatus struct {
	Operator      string          `json:"operator,omitempty"`
	ActiveAccount string          `json:"active_account,omitempty"`
	SyncEnabled   bool            `json:"sync_enabled"`
	Pending       int             `json:"pending"`
	Sync          *syncer.Status  `json:"sync,omitempty"`
	Recovery      sqlite.Recovery `json:"recovery"`
}

func (p statusProvider) Status(ctx context.Context) (any, error) {
	state := p.app.sessions.Current()
	out := agentStatus{
		Operator:      state.OperatorID,
		ActiveAccount: state.ActiveAccount,
		Recovery:      p.app.db.Recovery(),
	}
	if p.app.engine != nil {
		status, err := p.app.engine.Report(ctx)
		if err != nil {
			return nil, err
		}
		out.SyncEnabled = true
		out.Pending = status.Pending
		out.Sync = &status
		return out, nil
	}
	pending, err := p.app.store.CountUnsynced(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting unsynced: %w", err)
	}
	out.Pending = pending
	return out, nil
}
