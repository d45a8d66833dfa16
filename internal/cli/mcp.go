package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpggio/outpost/internal/mcp"
)

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only operator tools over MCP on stdio",
		Long: `Expose the local store to an MCP client: sync status, recent activity,
cached targets, preflight verdicts and the current session.

stdout carries the protocol; logs go to stderr. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitCommandError, "opening log file", err)
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("starting stdio transport", "operator", a.sessions.OperatorID())
			err = mcp.Run(ctx, mcp.Config{
				Services: mcp.Services{
					Activity:   a.activity,
					References: a.store,
					Sessions:   a.sessions,
				},
				Version: Version,
				Logger:  logger,
			})
			if err != nil && ctx.Err() == nil {
				return WrapExitError(ExitFailure, "mcp server stopped", err)
			}
			return nil
		},
	}
}
