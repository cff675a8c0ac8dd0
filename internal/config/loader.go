package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "FILEBRIDGE",
	}
}

// Path returns the config file that was loaded, if any.
func (l *Loader) Path() string {
	return l.configPath
}

// Load reads configuration from defaults, file and environment, in that
// order of precedence (environment wins).
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, cfg); err != nil {
		return nil, fmt.Errorf("register defaults: %w", err)
	}

	if l.configPath == "" {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				break
			}
		}
	}

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Dependent paths follow a relocated data dir unless set explicitly.
	if dataDir := v.GetString("storage.data_dir"); dataDir != DefaultConfig().Storage.DataDir {
		relocate(v, cfg, dataDir)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"filebridge.yaml",
		"filebridge.json",
		".filebridge.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "filebridge", "config.yaml"),
			filepath.Join(homeDir, ".config", "filebridge", "config.json"),
			filepath.Join(homeDir, ".filebridge", "config.yaml"),
		)
	}

	return paths
}

// setDefaults registers every leaf of cfg with viper so that environment
// variables can override keys the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, node map[string]interface{}, set func(string, interface{})) {
	for k, val := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]interface{}); ok && len(child) > 0 {
			flatten(key, child, set)
			continue
		}
		set(key, val)
	}
}

func relocate(v *viper.Viper, cfg *Config, dataDir string) {
	defaults := DefaultConfig().Storage
	if !v.InConfig("storage.state_db") && cfg.Storage.StateDB == defaults.StateDB {
		cfg.Storage.StateDB = filepath.Join(dataDir, "state.db")
	}
	if !v.InConfig("storage.cache_dir") && cfg.Storage.CacheDir == defaults.CacheDir {
		cfg.Storage.CacheDir = filepath.Join(dataDir, "cache")
	}
	if !v.InConfig("storage.temp_dir") && cfg.Storage.TempDir == defaults.TempDir {
		cfg.Storage.TempDir = filepath.Join(dataDir, "temp")
	}
	if !v.InConfig("storage.resources_file") && cfg.Storage.ResourcesFile == defaults.ResourcesFile {
		cfg.Storage.ResourcesFile = filepath.Join(dataDir, "resources.yaml")
	}
	if !v.InConfig("storage.creds_file") && cfg.Storage.CredsFile == defaults.CredsFile {
		cfg.Storage.CredsFile = filepath.Join(dataDir, "credentials.json")
	}
}

// SaveExample writes an example config file. The format follows the file
// extension (yaml, json or toml).
func SaveExample(path string) error {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return fmt.Errorf("register defaults: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
