package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call.
//
// Messages use user, assistant and tool roles. Any other role is sent as
// user text prefixed with the speaker.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []session.Message
	Tools        []toolexecutor.ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     *TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct {
	HTTPClient *http.Client
}

// OpenAI-compatible endpoints selectable by provider name
var compatibleBaseURLs = map[string]string{
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider("openai", profile.APIKey, profile.BaseURL), nil
	case "groq", "openrouter":
		baseURL := profile.BaseURL
		if baseURL == "" {
			baseURL = compatibleBaseURLs[profile.Provider]
		}
		return NewOpenAIProvider(profile.Provider, profile.APIKey, baseURL), nil
	case "ollama":
		return NewOllamaProvider(profile.BaseURL, f.HTTPClient)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// speakerText renders a message that has no native role in the provider API
func speakerText(msg session.Message) string {
	return msg.Speaker() + ": " + msg.Content
}
