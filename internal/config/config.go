package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main otaku configuration
type Config struct {
	// LLM providers and sampling
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// MyAnimeList API
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Credential file
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Dispatch loop
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`

	// Audit trail
	Transcript TranscriptConfig `json:"transcript" mapstructure:"transcript"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Scheduled token refresh
	Refresh RefreshConfig `json:"refresh" mapstructure:"refresh"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Profiles    []LLMProfile  `json:"profiles" mapstructure:"profiles"`
	Model       string        `json:"model" mapstructure:"model"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	Breaker     BreakerConfig `json:"breaker" mapstructure:"breaker"`
}

// LLMProfile represents an LLM provider profile
type LLMProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, groq, openrouter, ollama
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// BreakerConfig holds per-provider circuit breaker settings
type BreakerConfig struct {
	MaxFailures     uint32 `json:"max_failures" mapstructure:"max_failures"`
	OpenSeconds     int    `json:"open_seconds" mapstructure:"open_seconds"`
	IntervalSeconds int    `json:"interval_seconds" mapstructure:"interval_seconds"`
}

// CatalogConfig holds MyAnimeList API settings
type CatalogConfig struct {
	BaseURL           string `json:"base_url" mapstructure:"base_url"`
	TokenURL          string `json:"token_url" mapstructure:"token_url"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `json:"burst" mapstructure:"burst"`
	Timeout           int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// CredentialsConfig holds the credential file settings
type CredentialsConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// OrchestratorConfig holds dispatch loop settings
type OrchestratorConfig struct {
	MaxSteps            int      `json:"max_steps" mapstructure:"max_steps"`
	MaxExpertIterations int      `json:"max_expert_iterations" mapstructure:"max_expert_iterations"`
	MaxInconclusive     int      `json:"max_inconclusive" mapstructure:"max_inconclusive"`
	Experts             []string `json:"experts" mapstructure:"experts"`
	ToolTimeout         int      `json:"tool_timeout" mapstructure:"tool_timeout"` // seconds
}

// TranscriptConfig holds audit trail settings
type TranscriptConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// RefreshConfig holds the scheduled token refresh settings
type RefreshConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Expert names
const (
	ExpertAnime  = "Anime"
	ExpertManga  = "Manga"
	ExpertForums = "Forums"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Profiles:    []LLMProfile{},
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2048,
			MaxRetries:  3,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenSeconds: 30,
			},
		},
		Catalog: CatalogConfig{
			BaseURL:           "https://api.myanimelist.net/v2",
			TokenURL:          "https://myanimelist.net/v1/oauth2/token",
			RequestsPerMinute: 60,
			Burst:             5,
			Timeout:           30,
		},
		Credentials: CredentialsConfig{
			Watch: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:            50,
			MaxExpertIterations: 10,
			MaxInconclusive:     3,
			Experts:             []string{ExpertAnime, ExpertManga, ExpertForums},
			ToolTimeout:         30,
		},
		Transcript: TranscriptConfig{
			Enabled: true,
		},
		Gateway: GatewayConfig{
			Port:         8080,
			Host:         "127.0.0.1",
			SharedSecret: "",
		},
		Refresh: RefreshConfig{
			Enabled:  false,
			Schedule: "@every 50m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one LLM profile
	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("no LLM credentials configured: at least one LLM profile is required")
	}

	seen := make(map[string]bool, len(c.LLM.Profiles))
	for i, profile := range c.LLM.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("LLM profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("LLM profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true

		if !isValidProvider(profile.Provider) {
			return fmt.Errorf("LLM profile %s: invalid provider %q (must be one of: %v)", profile.ID, profile.Provider, ValidProviders)
		}
		if profile.APIKey == "" && profile.Provider != "ollama" {
			return fmt.Errorf("LLM profile %s: api_key is required", profile.ID)
		}
	}

	if len(c.Orchestrator.Experts) == 0 {
		return fmt.Errorf("at least one expert must be enabled")
	}
	for _, name := range c.Orchestrator.Experts {
		if !isValidExpert(name) {
			return fmt.Errorf("unknown expert %q (must be one of: %v)", name, ValidExperts)
		}
	}

	if c.Orchestrator.MaxSteps <= 0 {
		return fmt.Errorf("orchestrator.max_steps must be positive")
	}
	if c.Orchestrator.MaxExpertIterations <= 0 {
		return fmt.Errorf("orchestrator.max_expert_iterations must be positive")
	}
	if c.Orchestrator.MaxInconclusive <= 0 {
		return fmt.Errorf("orchestrator.max_inconclusive must be positive")
	}

	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url is required")
	}

	return nil
}

// ValidProviders lists the supported LLM providers
var ValidProviders = []string{"anthropic", "openai", "groq", "openrouter", "ollama"}

// ValidExperts lists the experts that can be enabled
var ValidExperts = []string{ExpertAnime, ExpertManga, ExpertForums}

func isValidProvider(p string) bool {
	for _, vp := range ValidProviders {
		if p == vp {
			return true
		}
	}
	return false
}

func isValidExpert(name string) bool {
	for _, e := range ValidExperts {
		if name == e {
			return true
		}
	}
	return false
}
