package agent

import (
	"context"
	"errors"
	"strings"
)

// AuthProfile represents credentials and endpoint for one LLM provider
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "openai", "groq", "openrouter", "anthropic", "ollama"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"` // overrides ModelConfig.Model
	Priority int    `json:"priority"`
}

// ModelConfig holds sampling parameters shared by all agents
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DefaultModelConfig returns default sampling parameters
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   2048,
		MaxRetries:  3,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	errMsg := err.Error()

	for _, marker := range []string{
		// network
		"ECONNRESET", "ETIMEDOUT", "connection reset", "connection refused", "EOF",
		// rate limits
		"429", "rate limit",
		// server errors
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}

	return false
}
