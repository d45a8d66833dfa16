package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rpggio/outpost/internal/config"
	"github.com/rpggio/outpost/internal/gate"
	"github.com/rpggio/outpost/internal/transport"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Local bool
}

type statusReport struct {
	Running bool   `json:"running"`
	Gate    string `json:"gate"`
	Status  any    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status of the running agent",
		Long: `Ask the running agent for its sync status over the gate.

When the agent is unreachable, or with --local, the local store is read
directly and running is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Local, "local", false, "read the local store instead of asking the agent")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "opening log file", err)
	}
	defer closeLog()
	ctx := commandContext(cmd)

	report := statusReport{Gate: cfg.Gate.Addr()}
	if !opts.Local {
		client := gate.NewClient(gate.ClientOptions{
			Addr:        cfg.Gate.Addr(),
			AuthKey:     cfg.Gate.AuthKey,
			DialTimeout: cfg.Gate.DialTimeout.Std(),
			Logger:      logger,
		})
		resp := client.Submit(ctx, transport.TypeSyncStatus, nil)
		_ = client.Close()

		if resp.Success {
			report.Running = true
			report.Status = resp.Data
			return writeJSON(cmd.OutOrStdout(), report)
		}
		if resp.ErrorCode != transport.CodeServiceUnavailable {
			return NewExitError(ExitFailure, resp.Error)
		}
		report.Error = resp.Error
	}

	status, err := localStatus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report.Status = status
	return writeJSON(cmd.OutOrStdout(), report)
}

func localStatus(ctx context.Context, cfg config.Config, logger *slog.Logger) (any, error) {
	a, err := openApp(ctx, cfg, logger, false)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	status, err := statusProvider{app: a}.Status(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "reading local status", err)
	}
	return status, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
