package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".otaku"
	configFileName = "otaku.json"
	envPrefix      = "OTAKU"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. Environment variables prefixed
// with OTAKU_ override file values (OTAKU_GATEWAY_PORT, OTAKU_LOGGING_LEVEL).
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaultPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers the scalar keys that can be overridden from the
// environment. viper only consults AutomaticEnv for keys it already knows.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"data_dir",
		"llm.model", "llm.temperature", "llm.max_tokens", "llm.max_retries",
		"catalog.base_url", "catalog.token_url", "catalog.requests_per_minute", "catalog.burst", "catalog.timeout",
		"credentials.path", "credentials.watch",
		"orchestrator.max_steps", "orchestrator.max_expert_iterations", "orchestrator.max_inconclusive", "orchestrator.tool_timeout",
		"transcript.enabled", "transcript.path",
		"gateway.host", "gateway.port", "gateway.shared_secret",
		"refresh.enabled", "refresh.schedule",
		"logging.level", "logging.file", "logging.redaction",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func applyDefaultPaths(cfg *Config) error {
	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "otaku.log")
	}
	if cfg.Credentials.Path == "" {
		cfg.Credentials.Path = filepath.Join(cfg.DataDir, "credentials.toml")
	}
	if cfg.Transcript.Path == "" {
		cfg.Transcript.Path = filepath.Join(cfg.DataDir, "transcripts.db")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("llm", cfg.LLM)
	v.Set("catalog", cfg.Catalog)
	v.Set("credentials", cfg.Credentials)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("transcript", cfg.Transcript)
	v.Set("gateway", cfg.Gateway)
	v.Set("refresh", cfg.Refresh)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// The file may hold API keys
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
