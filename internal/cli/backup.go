package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rpggio/outpost/internal/sqlite"
)

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	Keep int
	List bool
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the local store",
		Long: `Write a consistent copy of the local store next to it and prune old copies.

Backups are what the agent restores from when the store fails its integrity
check at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Keep, "keep", -1, "number of backups to keep (default from config)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list existing backups instead of creating one")
	return cmd
}

func runBackup(cmd *cobra.Command, opts *BackupOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "opening log file", err)
	}
	defer closeLog()

	if opts.List {
		backups, err := sqlite.ListBackups(cfg.DB.Path)
		if err != nil {
			return WrapExitError(ExitFailure, "listing backups", err)
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"backups": backups})
	}

	db, err := sqlite.Open(cfg.DB.Path, sqlite.Options{Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "opening local store", err)
	}
	defer db.Close()

	keep := cfg.DB.BackupKeep
	if opts.Keep >= 0 {
		keep = opts.Keep
	}
	path, err := backupOnce(commandContext(cmd), db, keep, time.Now(), logger)
	if err != nil {
		return WrapExitError(ExitFailure, "backup failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"backup": path})
}
