package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/catalog"
	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ExpertConfig configures an expert
type ExpertConfig struct {
	Name string
	// Instructions are appended to the shared expert policy
	Instructions string
	Tools        []toolexecutor.ToolDefinition
	Completer    Completer
	Logger       zerolog.Logger
}

// Expert is a tool-calling agent bound to a fixed tool subset
type Expert struct {
	name         string
	instructions string
	tools        []toolexecutor.ToolDefinition
	toolNames    []string
	completer    Completer
	logger       zerolog.Logger
}

// NewExpert creates an expert
func NewExpert(cfg ExpertConfig) (*Expert, error) {
	if cfg.Name == "" {
		return nil, errors.New("expert name is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if len(cfg.Tools) == 0 {
		return nil, fmt.Errorf("expert %s has no tools", cfg.Name)
	}

	names := make([]string, len(cfg.Tools))
	for i, t := range cfg.Tools {
		names[i] = t.Name
	}

	return &Expert{
		name:         cfg.Name,
		instructions: cfg.Instructions,
		tools:        cfg.Tools,
		toolNames:    names,
		completer:    cfg.Completer,
		logger:       cfg.Logger,
	}, nil
}

// Name returns the expert name
func (e *Expert) Name() string {
	return e.name
}

// ToolNames returns the names of the tools the expert may call
func (e *Expert) ToolNames() []string {
	out := make([]string, len(e.toolNames))
	copy(out, e.toolNames)
	return out
}

// Policy returns the tool policy enforced on the expert's calls
func (e *Expert) Policy() *toolexecutor.ToolPolicy {
	return toolexecutor.AllowOnly(e.toolNames...)
}

// Step produces the next scratchpad message: either tool calls or the
// expert's final text for this dispatch
func (e *Expert) Step(ctx context.Context, shared, scratchpad []session.Message) (session.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.agent", "expert.step",
		attribute.String("expert", e.name),
		attribute.Int("scratchpad", len(scratchpad)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("expert", e.name).Logger()

	messages := make([]session.Message, 0, len(scratchpad)+1)
	messages = append(messages, transcriptMessage("Main message history", shared))
	messages = append(messages, scratchpad...)

	resp, err := e.completer.Complete(ctx, e.name, LLMRequest{
		SystemPrompt: buildExpertPrompt(e.name, e.instructions, e.toolNames, lastToolUnauthorized(scratchpad)),
		Messages:     messages,
		Tools:        e.tools,
	})
	if err != nil {
		return session.Message{}, fmt.Errorf("expert %s: %w", e.name, err)
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return session.Message{}, fmt.Errorf("expert %s: %w", e.name, ErrNoResponse)
	}

	logger.Debug().
		Int("tool_calls", len(resp.ToolCalls)).
		Msg("Expert step completed")

	return session.Message{
		Role:      session.RoleAssistant,
		Name:      e.name,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}, nil
}

func lastToolUnauthorized(scratchpad []session.Message) bool {
	if len(scratchpad) == 0 {
		return false
	}
	last := scratchpad[len(scratchpad)-1]
	return last.Role == session.RoleTool && catalog.IsUnauthorized(last.Content)
}
