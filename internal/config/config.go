package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. It is not mutated after Load
// returns, so concurrent reads need no locking.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Sync      SyncConfig      `yaml:"sync"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Log       LogConfig       `yaml:"log"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains backend sync API settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
}

// RealtimeConfig contains realtime transport settings.
type RealtimeConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SyncConfig contains orchestrator tuning.
type SyncConfig struct {
	EntityTypes            []string `yaml:"entity_types"`
	BatchSize              int      `yaml:"batch_size"`
	MaxRetries             int      `yaml:"max_retries"`
	BackoffBase            Duration `yaml:"backoff_base"`
	BackoffCap             Duration `yaml:"backoff_cap"`
	FetchAttempts          int      `yaml:"fetch_attempts"`
	ResyncFailureThreshold int      `yaml:"resync_failure_threshold"`
}

// SnapshotConfig contains S3-compatible snapshot bootstrap settings.
// An empty bucket disables snapshot bootstrap entirely.
type SnapshotConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig controls slog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DevServerConfig contains the local development backend settings.
type DevServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration lets YAML carry human-readable values like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML decodes a time.ParseDuration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load builds the configuration in precedence order: built-in defaults,
// then the YAML file named by TETHER_CONFIG_PATH, then TETHER_* env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Missing file is not an error; defaults apply.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from an explicit path. Unlike Load,
// a missing file is an error here.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/tether.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Realtime: RealtimeConfig{
			Enabled: true,
		},
		Sync: SyncConfig{
			BatchSize:              50,
			MaxRetries:             5,
			BackoffBase:            Duration(1 * time.Second),
			BackoffCap:             Duration(5 * time.Minute),
			FetchAttempts:          3,
			ResyncFailureThreshold: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DevServer: DevServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies TETHER_* environment variable overrides.
// Empty or unparseable values leave the existing setting untouched.
func applyEnvOverrides(cfg *Config) {
	envString("TETHER_DB_PATH", &cfg.Database.Path)

	envString("TETHER_REMOTE_URL", &cfg.Remote.BaseURL)
	envDuration("TETHER_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	envString("TETHER_API_KEY", &cfg.Remote.APIKey)

	envString("TETHER_REALTIME_URL", &cfg.Realtime.URL)
	if v := os.Getenv("TETHER_REALTIME_ENABLED"); v != "" {
		cfg.Realtime.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("TETHER_ENTITY_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.Sync.EntityTypes = types
	}
	envInt("TETHER_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("TETHER_SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("TETHER_SYNC_BACKOFF_BASE", &cfg.Sync.BackoffBase)
	envDuration("TETHER_SYNC_BACKOFF_CAP", &cfg.Sync.BackoffCap)
	envInt("TETHER_SYNC_FETCH_ATTEMPTS", &cfg.Sync.FetchAttempts)
	envInt("TETHER_SYNC_RESYNC_THRESHOLD", &cfg.Sync.ResyncFailureThreshold)

	envString("TETHER_SNAPSHOT_ENDPOINT", &cfg.Snapshot.Endpoint)
	envString("TETHER_SNAPSHOT_BUCKET", &cfg.Snapshot.Bucket)
	envString("TETHER_SNAPSHOT_REGION", &cfg.Snapshot.Region)
	envString("TETHER_SNAPSHOT_ACCESS_KEY", &cfg.Snapshot.AccessKey)
	envString("TETHER_SNAPSHOT_SECRET_KEY", &cfg.Snapshot.SecretKey)

	envString("TETHER_LOG_LEVEL", &cfg.Log.Level)
	envString("TETHER_LOG_FORMAT", &cfg.Log.Format)

	envInt("TETHER_DEVSERVER_PORT", &cfg.DevServer.Port)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that required configuration values are set.
// In dev mode (TETHER_DEV_MODE=true), remote endpoint validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("TETHER_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url (or TETHER_REMOTE_URL) is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("TETHER_API_KEY is required")
	}
	if len(c.Sync.EntityTypes) == 0 {
		return errors.New("sync.entity_types must name at least one entity type")
	}
	return nil
}

// getEnv reads an environment variable, falling back to defaultValue.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
