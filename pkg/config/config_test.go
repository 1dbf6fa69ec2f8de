package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults_without_file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "./data", cfg.Storage.DataDir)
		assert.Equal(t, "batch", cfg.Storage.WALSyncMode)
		assert.Equal(t, 64, cfg.Engine.MaxConcurrentWriters)
		assert.Equal(t, 30*24*time.Hour, cfg.Archive.MaxIdleAge)
	})

	t.Run("missing_file_falls_back_to_defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "./data", cfg.Storage.DataDir)
	})

	t.Run("yaml_overrides_defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engramdb.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
storage:
  data_dir: /var/lib/engramdb
  wal_sync_mode: immediate
engine:
  max_concurrent_writers: 8
logging:
  level: debug
  format: console
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "/var/lib/engramdb", cfg.Storage.DataDir)
		assert.Equal(t, "immediate", cfg.Storage.WALSyncMode)
		assert.Equal(t, 8, cfg.Engine.MaxConcurrentWriters)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("env_overrides_yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engramdb.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  data_dir: /from/yaml\n"), 0o644))

		t.Setenv("ENGRAMDB_DATA_DIR", "/from/env")
		t.Setenv("ENGRAMDB_ACQUIRE_TIMEOUT", "250ms")
		t.Setenv("ENGRAMDB_ARCHIVE_MAX_IDLE_AGE", "48h")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.Storage.DataDir)
		assert.Equal(t, 250*time.Millisecond, cfg.Engine.AcquireTimeout)
		assert.Equal(t, 48*time.Hour, cfg.Archive.MaxIdleAge)
	})

	t.Run("malformed_yaml_fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage: ["), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty_data_dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad_sync_mode", func(c *Config) { c.Storage.WALSyncMode = "eventually" }},
		{"zero_writers", func(c *Config) { c.Engine.MaxConcurrentWriters = 0 }},
		{"zero_acquire_timeout", func(c *Config) { c.Engine.AcquireTimeout = 0 }},
		{"zero_queue", func(c *Config) { c.Events.QueueSize = 0 }},
		{"negative_idle_age", func(c *Config) { c.Archive.MaxIdleAge = -time.Hour }},
		{"bad_log_level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad_log_format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestArchiveDir(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("./data", "archive"), cfg.ArchiveDir())

	cfg.Archive.Dir = "/bundles"
	assert.Equal(t, "/bundles", cfg.ArchiveDir())
}
