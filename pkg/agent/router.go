package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// SelectDestinationTool is the classification tool bound to the router.
// Its calls are consumed by the router and never reach the tool invoker.
const SelectDestinationTool = "select_destination"

// SummarizeWord names the terminal destination
const SummarizeWord = "Summarize"

// Destination is the next node chosen by the router
type Destination string

const (
	DestRefreshToken Destination = "RefreshToken"
	DestExpert       Destination = "Expert"
	DestSummarize    Destination = "Summarize"
	// DestRouter means the turn was inconclusive and the router runs again
	DestRouter Destination = "Router"
)

// Decision is the outcome of one router turn. Message is the router
// message to append to the shared history.
type Decision struct {
	Destination Destination
	Expert      string
	Message     session.Message
}

// RouterConfig configures the router
type RouterConfig struct {
	Experts     []ExpertProfile
	RefreshTool toolexecutor.ToolDefinition
	Completer   Completer
	Logger      zerolog.Logger
}

// Router decides which node runs next from the shared history
type Router struct {
	experts   []ExpertProfile
	tools     []toolexecutor.ToolDefinition
	refresh   string
	prompt    string
	completer Completer
	logger    zerolog.Logger
}

// NewRouter creates a router
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if len(cfg.Experts) == 0 {
		return nil, errors.New("at least one expert is required")
	}
	if cfg.RefreshTool.Name == "" {
		return nil, errors.New("refresh tool is required")
	}
	seen := make(map[string]bool, len(cfg.Experts))
	for _, e := range cfg.Experts {
		if e.Name == "" || e.Name == SummarizeWord || seen[e.Name] {
			return nil, fmt.Errorf("invalid expert name %q", e.Name)
		}
		seen[e.Name] = true
	}

	experts := make([]ExpertProfile, len(cfg.Experts))
	copy(experts, cfg.Experts)

	return &Router{
		experts:   experts,
		tools:     []toolexecutor.ToolDefinition{cfg.RefreshTool, selectDestinationTool(experts)},
		refresh:   cfg.RefreshTool.Name,
		prompt:    buildRouterPrompt(cfg.RefreshTool.Name, SelectDestinationTool, experts),
		completer: cfg.Completer,
		logger:    cfg.Logger,
	}, nil
}

func selectDestinationTool(experts []ExpertProfile) toolexecutor.ToolDefinition {
	enum := make([]string, 0, len(experts)+1)
	for _, e := range experts {
		enum = append(enum, e.Name)
	}
	enum = append(enum, SummarizeWord)

	return toolexecutor.ToolDefinition{
		Name:        SelectDestinationTool,
		Description: "Chooses the expert that handles the request next, or Summarize when the user's message has been answered or cannot be answered.",
		Parameters: []toolexecutor.ToolParameter{{
			Name:        "destination",
			Type:        "string",
			Description: "An expert name or Summarize",
			Required:    true,
			Enum:        enum,
		}},
	}
}

// Route runs one router turn over the shared history
func (r *Router) Route(ctx context.Context, shared []session.Message) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.agent", "router.route")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	resp, err := r.completer.Complete(ctx, session.RoleRouter, LLMRequest{
		SystemPrompt: r.prompt,
		Messages:     []session.Message{transcriptMessage("Message history", shared)},
		Tools:        r.tools,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("router: %w", err)
	}

	decision := r.classify(resp)
	span.SetAttributes(
		attribute.String("destination", string(decision.Destination)),
		attribute.String("expert", decision.Expert),
	)
	logger.Debug().
		Str("destination", string(decision.Destination)).
		Str("expert", decision.Expert).
		Msg("Router decision")

	return decision, nil
}

// classify maps a router response to a decision. Tool calls other than a
// valid destination selection take precedence over everything else.
func (r *Router) classify(resp *LLMResponse) Decision {
	msg := session.Message{Role: session.RoleRouter, Content: strings.TrimSpace(resp.Content)}

	var pending []session.ToolCall
	selected := ""
	for _, call := range resp.ToolCalls {
		if call.Name == SelectDestinationTool {
			if dest, ok := r.destinationArg(call); ok {
				if selected == "" {
					selected = dest
				}
				continue
			}
		}
		pending = append(pending, call)
	}

	switch {
	case len(pending) > 0:
		msg.ToolCalls = pending
		return Decision{Destination: DestRefreshToken, Message: msg}
	case selected != "":
		msg.Content = selected
		return r.destinationFor(selected, msg)
	}

	for _, e := range r.experts {
		if strings.Contains(msg.Content, e.Name) {
			return Decision{Destination: DestExpert, Expert: e.Name, Message: msg}
		}
	}
	if strings.Contains(msg.Content, SummarizeWord) {
		return Decision{Destination: DestSummarize, Message: msg}
	}
	return Decision{Destination: DestRouter, Message: msg}
}

func (r *Router) destinationFor(word string, msg session.Message) Decision {
	if word == SummarizeWord {
		return Decision{Destination: DestSummarize, Message: msg}
	}
	return Decision{Destination: DestExpert, Expert: word, Message: msg}
}

// destinationArg validates a select_destination call against the enum
func (r *Router) destinationArg(call session.ToolCall) (string, bool) {
	raw, ok := call.Arguments["destination"].(string)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, SummarizeWord) {
		return SummarizeWord, true
	}
	for _, e := range r.experts {
		if strings.EqualFold(raw, e.Name) {
			return e.Name, true
		}
	}
	return "", false
}

// Experts returns the expert names known to the router
func (r *Router) Experts() []string {
	names := make([]string, len(r.experts))
	for i, e := range r.experts {
		names[i] = e.Name
	}
	return names
}
