package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/session"
	"github.com/rs/zerolog"
)

// Summarizer writes the final answer from the shared history
type Summarizer struct {
	completer Completer
	logger    zerolog.Logger
}

// NewSummarizer creates a summarizer
func NewSummarizer(completer Completer, logger zerolog.Logger) (*Summarizer, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	return &Summarizer{completer: completer, logger: logger}, nil
}

// Summarize makes one LLM call without tools and returns a final-answer message
func (s *Summarizer) Summarize(ctx context.Context, shared []session.Message) (session.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.agent", "summarizer.summarize")
	defer span.End()

	resp, err := s.completer.Complete(ctx, "summarizer", LLMRequest{
		SystemPrompt: summarizerPrompt,
		Messages:     []session.Message{transcriptMessage("Message history", shared)},
	})
	if err != nil {
		return session.Message{}, fmt.Errorf("summarizer: %w", err)
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return session.Message{}, fmt.Errorf("summarizer: %w", ErrNoResponse)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Int("length", len(answer)).Msg("Final answer written")

	return session.Message{Role: session.RoleFinalAnswer, Content: answer}, nil
}
