package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppName names the data, state and env namespaces.
const AppName = "outpost"

// Config defines agent configuration.
type Config struct {
	Gate     GateConfig     `yaml:"gate"`
	DB       DBConfig       `yaml:"db"`
	Sync     SyncConfig     `yaml:"sync"`
	Central  CentralConfig  `yaml:"central"`
	Identity IdentityConfig `yaml:"identity"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type GateConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	AuthKey     string   `yaml:"auth_key"`
	QueueSize   int      `yaml:"queue_size"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// Addr returns host:port for the gate listener.
func (g GateConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type DBConfig struct {
	Path           string   `yaml:"path"`
	BackupEnabled  bool     `yaml:"backup_enabled"`
	BackupInterval Duration `yaml:"backup_interval"`
	BackupKeep     int      `yaml:"backup_keep"`
}

type SyncConfig struct {
	Enabled      bool     `yaml:"enabled"`
	PullInterval Duration `yaml:"pull_interval"`
	PushInterval Duration `yaml:"push_interval"`
	BatchSize    int      `yaml:"batch_size"`
	RetryBase    Duration `yaml:"retry_base"`
	RetryMax     Duration `yaml:"retry_max"`
}

type CentralConfig struct {
	DSN string `yaml:"dsn"`
}

type IdentityConfig struct {
	OperatorID string `yaml:"operator_id"`
	StatePath  string `yaml:"state_path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Duration decodes YAML strings like "30s" into time.Duration.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Gate: GateConfig{
			Host:        "127.0.0.1",
			Port:        65432,
			QueueSize:   256,
			DialTimeout: Duration(2 * time.Second),
		},
		DB: DBConfig{
			Path:           filepath.Join(xdg.DataHome, AppName, AppName+".db"),
			BackupEnabled:  true,
			BackupInterval: Duration(24 * time.Hour),
			BackupKeep:     5,
		},
		Sync: SyncConfig{
			Enabled:      true,
			PullInterval: Duration(60 * time.Second),
			PushInterval: Duration(60 * time.Second),
			BatchSize:    100,
			RetryBase:    Duration(5 * time.Second),
			RetryMax:     Duration(10 * time.Minute),
		},
		Identity: IdentityConfig{
			StatePath: filepath.Join(xdg.StateHome, AppName, "session.json"),
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from .env, an optional YAML file and environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("OUTPOST_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("OUTPOST_GATE_HOST"); host != "" {
		cfg.Gate.Host = host
	}
	if portStr := os.Getenv("OUTPOST_GATE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid OUTPOST_GATE_PORT: %w", err)
		}
		cfg.Gate.Port = port
	}
	if key := os.Getenv("OUTPOST_GATE_AUTH_KEY"); key != "" {
		cfg.Gate.AuthKey = key
	}
	if dbPath := os.Getenv("OUTPOST_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if dsn := os.Getenv("OUTPOST_CENTRAL_DSN"); dsn != "" {
		cfg.Central.DSN = dsn
	}
	if operator := os.Getenv("OUTPOST_OPERATOR_ID"); operator != "" {
		cfg.Identity.OperatorID = operator
	}
	if statePath := os.Getenv("OUTPOST_STATE_PATH"); statePath != "" {
		cfg.Identity.StatePath = statePath
	}
	if enabled := os.Getenv("OUTPOST_SYNC_ENABLED"); enabled != "" {
		cfg.Sync.Enabled = enabled == "true" || enabled == "1"
	}
	if batch := os.Getenv("OUTPOST_SYNC_BATCH_SIZE"); batch != "" {
		n, err := strconv.Atoi(batch)
		if err != nil {
			return fmt.Errorf("invalid OUTPOST_SYNC_BATCH_SIZE: %w", err)
		}
		cfg.Sync.BatchSize = n
	}
	if interval := os.Getenv("OUTPOST_SYNC_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid OUTPOST_SYNC_INTERVAL: %w", err)
		}
		cfg.Sync.PullInterval = Duration(d)
		cfg.Sync.PushInterval = Duration(d)
	}
	if addr := os.Getenv("OUTPOST_HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if level := os.Getenv("OUTPOST_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("OUTPOST_LOG_PATH"); path != "" {
		cfg.Log.Path = path
	}
	return nil
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Gate.Port <= 0 || c.Gate.Port > 65535 {
		errs = append(errs, fmt.Errorf("gate.port out of range: %d", c.Gate.Port))
	}
	if c.Gate.QueueSize <= 0 {
		errs = append(errs, errors.New("gate.queue_size must be positive"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.PullInterval <= 0 || c.Sync.PushInterval <= 0 {
		errs = append(errs, errors.New("sync intervals must be positive"))
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		errs = append(errs, errors.New("sync.retry_max must be >= sync.retry_base > 0"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	return errors.Join(errs...)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
