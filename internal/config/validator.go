package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "ollama" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "groq":
		if !strings.HasPrefix(key, "gsk_") {
			return fmt.Errorf("invalid Groq API key format (should start with gsk_)")
		}
	case "openrouter":
		if !strings.HasPrefix(key, "sk-or-") {
			return fmt.Errorf("invalid OpenRouter API key format (should start with sk-or-)")
		}
	}

	return nil
}

// ValidateURL validates an absolute http(s) URL
func (v *Validator) ValidateURL(name, raw string) error {
	if raw == "" {
		return nil // Use default
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: host is required", name)
	}
	return nil
}

// ValidateSchedule validates a cron expression, including descriptors such
// as @every 50m
func (v *Validator) ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("refresh schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.LLM.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("LLM profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if err := v.ValidateURL("base_url", profile.BaseURL); err != nil {
			errors = append(errors, fmt.Errorf("LLM profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errors = append(errors, err)
	}
	if cfg.LLM.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.LLM.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("llm.max_retries must be >= 0"))
	}

	if err := v.ValidateURL("catalog.base_url", cfg.Catalog.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateURL("catalog.token_url", cfg.Catalog.TokenURL); err != nil {
		errors = append(errors, err)
	}
	if cfg.Catalog.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("catalog.requests_per_minute must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}

	if cfg.Refresh.Enabled {
		if err := v.ValidateSchedule(cfg.Refresh.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
