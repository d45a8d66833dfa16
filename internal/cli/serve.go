package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpggio/outpost/internal/config"
	"github.com/rpggio/outpost/internal/gate"
	"github.com/rpggio/outpost/internal/sqlite"
	"github.com/rpggio/outpost/internal/transport"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging gate, sync engine and status endpoint",
		Long: `Run the agent in the foreground.

The gate listens on the configured loopback port for browser integrations.
When a central DSN is configured the sync engine pushes captured records and
pulls reference data on its intervals. /health, /status and /metrics are
served on the HTTP address.

Example:
  outpost serve
  outpost serve --config ./outpost.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.OutOrStdout())
	if err != nil {
		return WrapExitError(ExitCommandError, "opening log file", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	services := gate.Services{
		Activity:   a.activity,
		References: a.store,
		Sessions:   a.sessions,
	}
	if a.engine != nil {
		services.Sync = a.engine
	}
	registry := gate.NewRegistry(logger)
	handler := gate.NewHandler(services, a.queue, logger)
	server := gate.NewServer(handler, registry, gate.ServerOptions{
		Addr:    cfg.Gate.Addr(),
		AuthKey: cfg.Gate.AuthKey,
		Logger:  logger,
	})
	if err := server.Listen(); err != nil {
		return WrapExitError(ExitCommandError, "starting gate", err)
	}
	if a.engine != nil {
		a.engine.SetBroadcaster(registry)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	if a.engine != nil {
		g.Go(func() error { return a.engine.Run(gctx) })
	}
	if cfg.DB.BackupEnabled {
		g.Go(func() error { return runBackups(gctx, a.db, cfg.DB, logger) })
	}
	if cfg.HTTP.Addr != "" {
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP.Addr, cfg.Gate.AuthKey, statusProvider{app: a}, logger) })
	}

	logger.Info("outpost running",
		"version", Version,
		"gate", cfg.Gate.Addr(),
		"http", cfg.HTTP.Addr,
		"db", cfg.DB.Path,
		"sync", a.engine != nil)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "agent stopped", err)
	}
	logger.Info("shutting down")
	return nil
}

// runBackups snapshots the store on an interval and prunes old snapshots.
// A failed backup is logged and retried on the next tick.
func runBackups(ctx context.Context, db *sqlite.DB, cfg config.DBConfig, logger *slog.Logger) error {
	interval := cfg.BackupInterval.Std()
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := backupOnce(ctx, db, cfg.BackupKeep, now, logger); err != nil {
				logger.Warn("scheduled backup failed", "error", err)
			}
		}
	}
}

func backupOnce(ctx context.Context, db *sqlite.DB, keep int, now time.Time, logger *slog.Logger) (string, error) {
	path, err := db.Backup(ctx, now)
	if err != nil {
		return "", err
	}
	removed, err := db.PruneBackups(keep)
	if err != nil {
		logger.Warn("pruning backups", "error", err)
	}
	if len(removed) > 0 {
		logger.Info("old backups removed", "count", len(removed))
	}
	return path, nil
}

// serveHTTP runs the status router. /status requires the gate key when one
// is configured; /health and /metrics are open.
func serveHTTP(ctx context.Context, addr, authKey string, status transport.StatusProvider, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           transport.NewServer(status, transport.AuthMiddleware(authKey)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status endpoint shutdown", "error", err)
	}
	return nil
}

// commandContext returns the command's context, which tests may set.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
