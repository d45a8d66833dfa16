package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpggio/outpost/internal/gate"
)

// NewBridgeCommand creates the bridge command.
func NewBridgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Native messaging host that relays the browser extension to the gate",
		Long: `Relay native messaging frames between the browser and the running agent.

The browser launches this command and speaks length-prefixed JSON on stdin
and stdout. Logs go to stderr. When the agent is not running every request
is answered with SERVICE_UNAVAILABLE.`,
		Args: cobra.ArbitraryArgs, // browsers pass the extension origin
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

			client := gate.NewClient(gate.ClientOptions{
				Addr:        cfg.Gate.Addr(),
				AuthKey:     cfg.Gate.AuthKey,
				DialTimeout: cfg.Gate.DialTimeout.Std(),
				Logger:      logger,
			})
			defer client.Close()

			bridge := gate.NewBridge(client, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			if err := bridge.Run(ctx); err != nil {
				return WrapExitError(ExitFailure, "bridge stopped", err)
			}
			return nil
		},
	}
}
