package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Connection pooling
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Circuit breaker thresholds
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Retry policies keyed by adapter ("smb", "cloud", ...)
	Retry map[string]RetryPolicy `json:"retry" mapstructure:"retry"`

	// Requests per minute keyed by API identity
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	Offline OfflineConfig `json:"offline" mapstructure:"offline"`

	// Per-protocol I/O timeouts keyed by adapter
	Timeouts map[string]TimeoutConfig `json:"timeouts" mapstructure:"timeouts"`

	Transfer TransferConfig `json:"transfer" mapstructure:"transfer"`

	Serve ServeConfig `json:"serve" mapstructure:"serve"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`             // Base directory for all data
	StateDB       string `json:"state_db" mapstructure:"state_db"`             // SQLite database
	CacheDir      string `json:"cache_dir" mapstructure:"cache_dir"`           // Content cache blobs
	TempDir       string `json:"temp_dir" mapstructure:"temp_dir"`             // Temporary files
	ResourcesFile string `json:"resources_file" mapstructure:"resources_file"` // Resource definitions (YAML)
	CredsFile     string `json:"creds_file" mapstructure:"creds_file"`         // Credential store

	// CredsTable moves the credential store to a DynamoDB table when set.
	CredsTable  string `json:"creds_table" mapstructure:"creds_table"`
	CredsRegion string `json:"creds_region" mapstructure:"creds_region"`
}

// PoolConfig bounds connection reuse.
type PoolConfig struct {
	MaxPerKey     int           `json:"max_per_key" mapstructure:"max_per_key"`
	MaxTotal      int           `json:"max_total" mapstructure:"max_total"`
	IdleTimeout   time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// BreakerConfig for the per-resource circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold" mapstructure:"success_threshold"`
	OpenDuration        time.Duration `json:"open_duration" mapstructure:"open_duration"`
	MaxHalfOpenAttempts int           `json:"max_half_open_attempts" mapstructure:"max_half_open_attempts"`
}

// RetryPolicy for one protocol family.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Factor       float64       `json:"factor" mapstructure:"factor"`
	Jitter       float64       `json:"jitter" mapstructure:"jitter"`
}

// RateLimitConfig holds request-per-minute quotas.
type RateLimitConfig struct {
	Providers map[string]int `json:"providers" mapstructure:"providers"`
}

// CacheConfig for the content caches.
type CacheConfig struct {
	TTL               time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepInterval     time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	ThumbnailMaxBytes int64         `json:"thumbnail_max_bytes" mapstructure:"thumbnail_max_bytes"`
}

// OfflineConfig for the pending-operation queue.
type OfflineConfig struct {
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	DrainInterval time.Duration `json:"drain_interval" mapstructure:"drain_interval"`
	CheckInterval time.Duration `json:"check_interval" mapstructure:"check_interval"`
	CheckAddress  string        `json:"check_address" mapstructure:"check_address"`
}

// TimeoutConfig for one protocol family.
type TimeoutConfig struct {
	Connect time.Duration `json:"connect" mapstructure:"connect"`
	Read    time.Duration `json:"read" mapstructure:"read"`
	Write   time.Duration `json:"write" mapstructure:"write"`
}

// TransferConfig for streaming copies.
type TransferConfig struct {
	ChunkSize        int `json:"chunk_size" mapstructure:"chunk_size"`
	BatchConcurrency int `json:"batch_concurrency" mapstructure:"batch_concurrency"`
}

// ServeConfig for the metrics and event endpoint.
type ServeConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".filebridge"

	return &Config{
		Storage: StorageConfig{
			DataDir:       dataDir,
			StateDB:       filepath.Join(dataDir, "state.db"),
			CacheDir:      filepath.Join(dataDir, "cache"),
			TempDir:       filepath.Join(dataDir, "temp"),
			ResourcesFile: filepath.Join(dataDir, "resources.yaml"),
			CredsFile:     filepath.Join(dataDir, "credentials.json"),
		},
		Pool: PoolConfig{
			MaxPerKey:     5,
			MaxTotal:      64,
			IdleTimeout:   45 * time.Second,
			SweepInterval: 15 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			OpenDuration:        30 * time.Second,
			MaxHalfOpenAttempts: 3,
		},
		Retry: map[string]RetryPolicy{
			"local": {MaxAttempts: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2, Jitter: 0.2},
			"smb":   {MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, Jitter: 0.2},
			"sftp":  {MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, Jitter: 0.2},
			"ftp":   {MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, Jitter: 0.2},
			"cloud": {MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Factor: 2, Jitter: 0.2},
		},
		RateLimit: RateLimitConfig{
			Providers: map[string]int{
				"dropbox": 600,
				"s3":      3000,
			},
		},
		Cache: CacheConfig{
			TTL:               24 * time.Hour,
			SweepInterval:     10 * time.Minute,
			ThumbnailMaxBytes: 256 * 1024 * 1024, // 256MB
		},
		Offline: OfflineConfig{
			MaxRetries:    5,
			DrainInterval: 30 * time.Second,
			CheckInterval: 10 * time.Second,
		},
		Timeouts: map[string]TimeoutConfig{
			"local": {Connect: 5 * time.Second, Read: time.Minute, Write: time.Minute},
			"smb":   {Connect: 10 * time.Second, Read: 60 * time.Second, Write: 60 * time.Second},
			"sftp":  {Connect: 15 * time.Second, Read: 60 * time.Second, Write: 60 * time.Second},
			"ftp":   {Connect: 15 * time.Second, Read: 60 * time.Second, Write: 60 * time.Second},
			"cloud": {Connect: 30 * time.Second, Read: 120 * time.Second, Write: 300 * time.Second},
		},
		Transfer: TransferConfig{
			ChunkSize:        64 * 1024,
			BatchConcurrency: 4,
		},
		Serve: ServeConfig{
			Listen: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
	}
}

// RetryFor returns the retry policy for an adapter key such as "cloud/s3",
// falling back to the protocol family and then to a single attempt.
func (c *Config) RetryFor(adapterKey string) RetryPolicy {
	if p, ok := c.Retry[adapterKey]; ok {
		return p
	}
	if p, ok := c.Retry[family(adapterKey)]; ok {
		return p
	}
	return RetryPolicy{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Second, Factor: 1}
}

// TimeoutsFor returns the timeouts for an adapter key.
func (c *Config) TimeoutsFor(adapterKey string) TimeoutConfig {
	if t, ok := c.Timeouts[adapterKey]; ok {
		return t
	}
	if t, ok := c.Timeouts[family(adapterKey)]; ok {
		return t
	}
	return TimeoutConfig{Connect: 30 * time.Second, Read: time.Minute, Write: time.Minute}
}

func family(adapterKey string) string {
	f, _, _ := strings.Cut(adapterKey, "/")
	return f
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Pool.MaxPerKey <= 0 {
		return errors.New("pool.max_per_key must be positive")
	}

	if c.Pool.MaxTotal < c.Pool.MaxPerKey {
		return errors.New("pool.max_total must be at least pool.max_per_key")
	}

	if c.Pool.IdleTimeout <= 0 {
		return errors.New("pool.idle_timeout must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return errors.New("breaker thresholds must be positive")
	}

	if c.Breaker.OpenDuration <= 0 {
		return errors.New("breaker.open_duration must be positive")
	}

	if c.Breaker.MaxHalfOpenAttempts < c.Breaker.SuccessThreshold {
		return errors.New("breaker.max_half_open_attempts must be at least breaker.success_threshold")
	}

	for name, p := range c.Retry {
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("retry.%s.max_attempts must be positive", name)
		}
		if p.Factor < 1 {
			return fmt.Errorf("retry.%s.factor must be at least 1", name)
		}
		if p.Jitter < 0 || p.Jitter >= 1 {
			return fmt.Errorf("retry.%s.jitter must be in [0,1)", name)
		}
	}

	for name, rpm := range c.RateLimit.Providers {
		if rpm <= 0 {
			return fmt.Errorf("rate_limit.providers.%s must be positive", name)
		}
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}

	if c.Offline.MaxRetries <= 0 {
		return errors.New("offline.max_retries must be positive")
	}

	if c.Transfer.ChunkSize <= 0 {
		return errors.New("transfer.chunk_size must be positive")
	}

	if c.Transfer.BatchConcurrency <= 0 {
		return errors.New("transfer.batch_concurrency must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.CacheDir,
		c.Storage.TempDir,
		filepath.Dir(c.Storage.StateDB),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
