// Package config loads EngramDB configuration from a YAML file with
// environment variable overrides.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, then
// ENGRAMDB_* environment variables. Call Validate before handing the config
// to components.
//
// Environment Variables:
//   - ENGRAMDB_DATA_DIR="./data"
//   - ENGRAMDB_WAL_SYNC_MODE="immediate" | "batch" | "none"
//   - ENGRAMDB_MAX_WRITERS=64
//   - ENGRAMDB_ACQUIRE_TIMEOUT=5s
//   - ENGRAMDB_EVENT_QUEUE_SIZE=256
//   - ENGRAMDB_EVENT_MAX_RETRIES=5
//   - ENGRAMDB_ARCHIVE_DIR="./data/archive"
//   - ENGRAMDB_ARCHIVE_MAX_IDLE_AGE=720h
//   - ENGRAMDB_REGISTRY_CACHE_TTL=5m
//   - ENGRAMDB_LOG_LEVEL="debug" | "info" | "warn" | "error"
//   - ENGRAMDB_LOG_FORMAT="json" | "console"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	Events   EventsConfig   `yaml:"events"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir is the root data directory.
	DataDir string `yaml:"data_dir"`
	// WALSyncMode is "immediate", "batch", or "none".
	WALSyncMode string `yaml:"wal_sync_mode"`
	// SyncWrites forces the record store to fsync every commit on top of
	// WAL durability.
	SyncWrites bool `yaml:"sync_writes"`
}

// EngineConfig holds write-path settings.
type EngineConfig struct {
	MaxConcurrentWriters int           `yaml:"max_concurrent_writers"`
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"`
}

// EventsConfig holds change-event delivery settings.
type EventsConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// ArchiveConfig holds session archival settings.
type ArchiveConfig struct {
	// Dir is where the filesystem bundle store keeps bundles. Empty
	// defaults to <data_dir>/archive.
	Dir string `yaml:"dir"`
	// MaxIdleAge is how long a session may sit without new activity
	// before an idle sweep archives it. Zero disables sweeps.
	MaxIdleAge time.Duration `yaml:"max_idle_age"`
}

// RegistryConfig holds template registry settings.
type RegistryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:     "./data",
			WALSyncMode: "batch",
		},
		Engine: EngineConfig{
			MaxConcurrentWriters: 64,
			AcquireTimeout:       5 * time.Second,
		},
		Events: EventsConfig{
			QueueSize:      256,
			MaxRetries:     5,
			InitialBackoff: 50 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			MaxIdleAge: 30 * 24 * time.Hour,
		},
		Registry: RegistryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path when it exists, then applies environment
// overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("ENGRAMDB_DATA_DIR", &c.Storage.DataDir)
	envStr("ENGRAMDB_WAL_SYNC_MODE", &c.Storage.WALSyncMode)
	envBool("ENGRAMDB_SYNC_WRITES", &c.Storage.SyncWrites)
	envInt("ENGRAMDB_MAX_WRITERS", &c.Engine.MaxConcurrentWriters)
	envDur("ENGRAMDB_ACQUIRE_TIMEOUT", &c.Engine.AcquireTimeout)
	envInt("ENGRAMDB_EVENT_QUEUE_SIZE", &c.Events.QueueSize)
	envInt("ENGRAMDB_EVENT_MAX_RETRIES", &c.Events.MaxRetries)
	envDur("ENGRAMDB_EVENT_INITIAL_BACKOFF", &c.Events.InitialBackoff)
	envStr("ENGRAMDB_ARCHIVE_DIR", &c.Archive.Dir)
	envDur("ENGRAMDB_ARCHIVE_MAX_IDLE_AGE", &c.Archive.MaxIdleAge)
	envDur("ENGRAMDB_REGISTRY_CACHE_TTL", &c.Registry.CacheTTL)
	envStr("ENGRAMDB_LOG_LEVEL", &c.Logging.Level)
	envStr("ENGRAMDB_LOG_FORMAT", &c.Logging.Format)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir must not be empty")
	}
	switch c.Storage.WALSyncMode {
	case "immediate", "batch", "none":
	default:
		return fmt.Errorf("config: storage.wal_sync_mode %q is not one of immediate, batch, none", c.Storage.WALSyncMode)
	}
	if c.Engine.MaxConcurrentWriters <= 0 {
		return fmt.Errorf("config: engine.max_concurrent_writers must be positive")
	}
	if c.Engine.AcquireTimeout <= 0 {
		return fmt.Errorf("config: engine.acquire_timeout must be positive")
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("config: events.queue_size must be positive")
	}
	if c.Archive.MaxIdleAge < 0 {
		return fmt.Errorf("config: archive.max_idle_age must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format %q is not one of json, console", c.Logging.Format)
	}
	return nil
}

// ArchiveDir resolves the bundle directory, defaulting under the data dir.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.Storage.DataDir, "archive")
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
