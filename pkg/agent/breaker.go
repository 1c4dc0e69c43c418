package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/otaku/internal/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures the per-provider circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed
	Timeout time.Duration
	// Interval clears failure counts while closed; 0 never clears
	Interval time.Duration
}

// BreakerProvider wraps an LLMProvider so repeated failures fail fast
type BreakerProvider struct {
	inner   LLMProvider
	breaker *gobreaker.CircuitBreaker[*LLMResponse]
}

var _ LLMProvider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps inner with a circuit breaker
func NewBreakerProvider(inner LLMProvider, cfg BreakerConfig, logger zerolog.Logger) *BreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	provider := inner.Provider()
	cb := gobreaker.NewCircuitBreaker[*LLMResponse](gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetProviderBreakerOpen(provider, to == gobreaker.StateOpen)
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about provider health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerProvider{inner: inner, breaker: cb}
}

// Provider returns the wrapped provider name
func (p *BreakerProvider) Provider() string {
	return p.inner.Provider()
}

// Call routes the request through the circuit breaker
func (p *BreakerProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	resp, err := p.breaker.Execute(func() (*LLMResponse, error) {
		return p.inner.Call(ctx, request)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, p.inner.Provider(), err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the breaker state
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}
