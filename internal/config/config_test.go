package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OUTPOST_CONFIG_PATH", "")
	t.Setenv("OUTPOST_DB_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Gate.Host)
	require.Equal(t, 65432, cfg.Gate.Port)
	require.Equal(t, 100, cfg.Sync.BatchSize)
	require.Equal(t, 60*time.Second, cfg.Sync.PullInterval.Std())
	require.Contains(t, cfg.DB.Path, filepath.Join(AppName, AppName+".db"))
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outpost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gate:
  port: 7000
db:
  path: /tmp/from-file.db
sync:
  batch_size: 25
  retry_base: 1s
  retry_max: 30s
identity:
  operator_id: OPR_file
`), 0o644))

	t.Setenv("OUTPOST_CONFIG_PATH", path)
	t.Setenv("OUTPOST_GATE_PORT", "7001")
	t.Setenv("OUTPOST_SYNC_INTERVAL", "15s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7001, cfg.Gate.Port)
	require.Equal(t, "/tmp/from-file.db", cfg.DB.Path)
	require.Equal(t, 25, cfg.Sync.BatchSize)
	require.Equal(t, time.Second, cfg.Sync.RetryBase.Std())
	require.Equal(t, 15*time.Second, cfg.Sync.PushInterval.Std())
	require.Equal(t, "OPR_file", cfg.Identity.OperatorID)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("OUTPOST_CONFIG_PATH", "")
	t.Setenv("OUTPOST_GATE_PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Sync.BatchSize = 0
	cfg.Sync.RetryMax = Duration(time.Millisecond)
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "batch_size")
	require.Contains(t, err.Error(), "retry_max")
}

func TestDuration_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  retry_base: soon\n"), 0o644))

	cfg := Default()
	err := loadFromFile(path, &cfg)
	require.Error(t, err)
}
