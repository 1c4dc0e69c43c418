package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements LLMProvider for a local Ollama server
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL string, httpClient *http.Client) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, httpClient),
	}, nil
}

// Provider returns the provider name
func (p *OllamaProvider) Provider() string {
	return "ollama"
}

// Call sends a non-streaming chat request
func (p *OllamaProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    request.Model,
		Messages: ollamaMessages(request),
		Tools:    ollamaTools(request.Tools),
		Stream:   &stream,
		Options:  map[string]interface{}{},
	}
	if request.Temperature > 0 {
		req.Options["temperature"] = request.Temperature
	}
	if request.MaxTokens > 0 {
		req.Options["num_predict"] = request.MaxTokens
	}

	var (
		content   string
		toolCalls []session.ToolCall
		usage     TokenUsage
	)
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		for _, tc := range resp.Message.ToolCalls {
			toolCalls = append(toolCalls, session.ToolCall{
				Name:      tc.Function.Name,
				Arguments: map[string]interface{}(tc.Function.Arguments),
			})
		}
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     &usage,
	}, nil
}

func ollamaMessages(request LLMRequest) []api.Message {
	messages := make([]api.Message, 0, len(request.Messages)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: request.SystemPrompt})
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case session.RoleUser, session.RoleTool:
			messages = append(messages, api.Message{Role: msg.Role, Content: msg.Content})
		case session.RoleAssistant:
			out := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			messages = append(messages, out)
		case session.RoleSystem:
		default:
			messages = append(messages, api.Message{Role: "user", Content: speakerText(msg)})
		}
	}
	return messages
}

func ollamaTools(defs []toolexecutor.ToolDefinition) []api.Tool {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]api.Tool, 0, len(defs))
	for _, def := range defs {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: make(map[string]api.ToolProperty, len(def.Parameters)),
		}
		for _, param := range def.Parameters {
			prop := api.ToolProperty{
				Type:        api.PropertyType{param.Type},
				Description: param.Description,
			}
			for _, v := range param.Enum {
				prop.Enum = append(prop.Enum, v)
			}
			params.Properties[param.Name] = prop
			if param.Required {
				params.Required = append(params.Required, param.Name)
			}
		}

		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}
