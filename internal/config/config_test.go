package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Postgres.DSN = "postgres://localhost/memory"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Chunking.MinChars)
	assert.Equal(t, 800, cfg.Chunking.TargetChars)
	assert.Equal(t, 2000, cfg.Chunking.MaxChars)

	assert.InDelta(t, 0.80, cfg.Episodes.PrimaryAttach, 1e-9)
	assert.InDelta(t, 0.70, cfg.Episodes.MultiAttach, 1e-9)
	assert.InDelta(t, 0.60, cfg.Episodes.SeedThreshold, 1e-9)
	assert.Equal(t, 7*24*time.Hour, cfg.Episodes.TimeWindow)

	assert.InDelta(t, 0.30, cfg.Consolidation.Epsilon, 1e-9)
	assert.Equal(t, 2, cfg.Consolidation.MinPoints)

	assert.Equal(t, "0 3 * * *", cfg.Thoughts.CronSpec)
	assert.Equal(t, 1536, cfg.Qdrant.Dimension)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Postgres.DSN = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Qdrant.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Qdrant.Dimension = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Chunking.MaxChars = cfg.Chunking.TargetChars - 1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Importance.Threshold = 1.2
	assert.Error(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_POSTGRES_DSN", "postgres://env/memory")
	t.Setenv("MEMORY_CHUNK_MAX_CHARS", "3000")
	t.Setenv("MEMORY_IMPORTANCE_THRESHOLD", "0.55")
	t.Setenv("MEMORY_QDRANT_TLS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/memory", cfg.Postgres.DSN)
	assert.Equal(t, 3000, cfg.Chunking.MaxChars)
	assert.InDelta(t, 0.55, cfg.Importance.Threshold, 1e-9)
	assert.True(t, cfg.Qdrant.UseTLS)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")
	body := []byte(`
postgres:
  dsn: postgres://file/memory
chunking:
  target_chars: 600
thoughts:
  cron_spec: "30 2 * * *"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("MEMORY_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/memory", cfg.Postgres.DSN)
	assert.Equal(t, 600, cfg.Chunking.TargetChars)
	assert.Equal(t, "30 2 * * *", cfg.Thoughts.CronSpec)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postgres:\n  dsn: postgres://file/memory\n"), 0o600))
	t.Setenv("MEMORY_CONFIG_FILE", path)
	t.Setenv("MEMORY_POSTGRES_DSN", "postgres://env/memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/memory", cfg.Postgres.DSN)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Setenv("MEMORY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
