package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 5, cfg.Pool.MaxPerKey)
	assert.Equal(t, 45*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenDuration)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Offline.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestRetryFor(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 3, cfg.RetryFor("smb").MaxAttempts)
	assert.Equal(t, 5, cfg.RetryFor("cloud/dropbox").MaxAttempts)
	assert.Equal(t, 1, cfg.RetryFor("webdav").MaxAttempts)

	assert.Equal(t, 10*time.Second, cfg.TimeoutsFor("smb").Connect)
	assert.Equal(t, 30*time.Second, cfg.TimeoutsFor("cloud/s3").Connect)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing data dir",
			modify: func(c *config.Config) {
				c.Storage.DataDir = ""
			},
			wantErr: "storage.data_dir is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "zero pool size",
			modify: func(c *config.Config) {
				c.Pool.MaxPerKey = 0
			},
			wantErr: "pool.max_per_key must be positive",
		},
		{
			name: "half open smaller than success threshold",
			modify: func(c *config.Config) {
				c.Breaker.MaxHalfOpenAttempts = 1
			},
			wantErr: "max_half_open_attempts",
		},
		{
			name: "bad retry jitter",
			modify: func(c *config.Config) {
				p := c.Retry["smb"]
				p.Jitter = 1.5
				c.Retry["smb"] = p
			},
			wantErr: "retry.smb.jitter",
		},
		{
			name: "negative rate limit",
			modify: func(c *config.Config) {
				c.RateLimit.Providers["dropbox"] = -1
			},
			wantErr: "rate_limit.providers.dropbox",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("FILEBRIDGE_POOL_IDLE_TIMEOUT", "90s")
	t.Setenv("FILEBRIDGE_LOG_LEVEL", "DEBUG")
	t.Setenv("FILEBRIDGE_POOL_MAX_PER_KEY", "8")

	loader := config.NewLoader(filepath.Join(t.TempDir(), "missing-ok.yaml"))
	_, err := loader.Load()
	require.Error(t, err, "explicit config path must exist")

	loader = config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Pool.MaxPerKey)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configYAML := `
storage:
  data_dir: ` + filepath.Join(tmpDir, "data") + `
breaker:
  failure_threshold: 3
  open_duration: 10s
log:
  level: warn
  format: json
`

	err := os.WriteFile(configPath, []byte(configYAML), 0644)
	require.NoError(t, err)

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, configPath, loader.Path())
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.OpenDuration)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, filepath.Join(tmpDir, "data", "state.db"), cfg.Storage.StateDB)
	assert.Equal(t, filepath.Join(tmpDir, "data", "cache"), cfg.Storage.CacheDir)
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")

	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Pool, cfg.Pool)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.CacheDir = filepath.Join(tmpDir, "data", "cache")
	cfg.Storage.TempDir = filepath.Join(tmpDir, "data", "temp")
	cfg.Storage.StateDB = filepath.Join(tmpDir, "data", "db", "state.db")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, cfg.Storage.CacheDir)
	assert.DirExists(t, cfg.Storage.TempDir)
	assert.DirExists(t, filepath.Dir(cfg.Storage.StateDB))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
