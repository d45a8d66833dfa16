package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rpggio/outpost/internal/central"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Migrate bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull and push cycle against central, then exit",
		Long: `Pull reference data and push unsynced records once.

Exits 0 when both halves succeed. Partial rejections are reported in the
status and do not fail the command.

Example:
  outpost sync
  outpost sync --migrate   # apply central schema migrations first`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply central schema migrations before syncing")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	cfg.Sync.Enabled = true
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "opening log file", err)
	}
	defer closeLog()
	ctx := commandContext(cmd)

	a, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.engine == nil {
		return NewExitError(ExitCommandError, "sync is not configured: set OUTPOST_CENTRAL_DSN")
	}

	if opts.Migrate {
		if err := a.central.Migrate(ctx); err != nil {
			return WrapExitError(ExitFailure, "migrating central schema", err)
		}
	}

	runErr := a.engine.RunOnce(ctx)
	status, err := a.engine.Report(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "reading sync status", err)
	}
	if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
		return err
	}

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, central.ErrStructural):
		return WrapExitError(ExitCommandError, "central rejected the agent", runErr)
	case errors.Is(runErr, central.ErrUnreachable):
		return WrapExitError(ExitUnavailable, "central unreachable", runErr)
	default:
		return WrapExitError(ExitFailure, "sync failed", runErr)
	}
}
