package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const defaultRetryBaseDelay = time.Second

// Completer performs one LLM completion on behalf of an agent role
// (router, expert name, summarizer)
type Completer interface {
	Complete(ctx context.Context, role string, request LLMRequest) (*LLMResponse, error)
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// Config holds runner configuration
type Config struct {
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	Model           ModelConfig
	Breaker         BreakerConfig
	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	RetryBaseDelay time.Duration
}

// Runner performs LLM calls with profile failover, retry with exponential
// backoff and a circuit breaker per provider. It is safe for concurrent use.
type Runner struct {
	logger         zerolog.Logger
	factory        ProviderCreator
	model          ModelConfig
	breaker        BreakerConfig
	retryBaseDelay time.Duration

	profiles []AuthProfile

	providers   map[string]LLMProvider
	providersMu sync.Mutex
}

var _ Completer = (*Runner)(nil)

// NewRunner creates a new runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = &ProviderFactory{}
	}

	model := cfg.Model
	defaults := DefaultModelConfig()
	if model.Model == "" {
		model.Model = defaults.Model
	}
	if model.MaxRetries <= 0 {
		model.MaxRetries = defaults.MaxRetries
	}

	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	return &Runner{
		logger:         cfg.Logger,
		factory:        factory,
		model:          model,
		breaker:        cfg.Breaker,
		retryBaseDelay: retryBaseDelay,
		profiles:       profiles,
		providers:      make(map[string]LLMProvider),
	}, nil
}

// Complete executes the request against the configured profiles in
// priority order
func (r *Runner) Complete(ctx context.Context, role string, request LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.agent", "agent.complete", attribute.String("role", role))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("role", role).Logger()

	var lastErr error

	for _, profile := range r.profiles {
		provider, err := r.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().
				Str("profileId", profile.ID).
				Err(err).
				Msg("Failed to create provider")
			continue
		}

		req := r.withDefaults(request, profile)
		start := time.Now()
		resp, err := r.callWithRetry(ctx, provider, req, logger)
		observability.RecordLLMCall(provider.Provider(), role, time.Since(start), err == nil)

		if err == nil {
			if resp.ToolCalls, err = ensureToolCallIDs(resp.ToolCalls); err != nil {
				tracing.Fail(span, err)
				return nil, err
			}
			if resp.Usage != nil {
				span.SetAttributes(
					attribute.Int("input_tokens", resp.Usage.InputTokens),
					attribute.Int("output_tokens", resp.Usage.OutputTokens),
				)
			}
			return resp, nil
		}

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			return nil, ctxErr
		}

		logger.Warn().
			Str("profileId", profile.ID).
			Str("provider", provider.Provider()).
			Err(err).
			Msg("Auth profile failed")

		// permanent errors are not worth another profile
		if !IsRetryableError(err) && !errors.Is(err, ErrCircuitOpen) {
			tracing.Fail(span, err)
			return nil, err
		}
	}

	err := fmt.Errorf("%w: %v", ErrNoProvider, lastErr)
	tracing.Fail(span, err)
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, err
}

func (r *Runner) withDefaults(request LLMRequest, profile AuthProfile) LLMRequest {
	if request.Model == "" {
		request.Model = profile.Model
	}
	if request.Model == "" {
		request.Model = r.model.Model
	}
	if request.Temperature == 0 {
		request.Temperature = r.model.Temperature
	}
	if request.MaxTokens == 0 {
		request.MaxTokens = r.model.MaxTokens
	}
	return request
}

// provider returns the breaker-wrapped provider for a profile, creating it once
func (r *Runner) provider(profile AuthProfile) (LLMProvider, error) {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()

	if p, ok := r.providers[profile.ID]; ok {
		return p, nil
	}

	inner, err := r.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	p := NewBreakerProvider(inner, r.breaker, r.logger)
	r.providers[profile.ID] = p
	return p, nil
}

// callWithRetry calls the provider with exponential backoff retry
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, logger zerolog.Logger) (*LLMResponse, error) {
	maxRetries := r.model.MaxRetries
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := r.retryBaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
