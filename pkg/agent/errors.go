package agent

import "errors"

var (
	// ErrNoResponse is returned when a provider answers with neither text
	// nor tool calls
	ErrNoResponse = errors.New("empty LLM response")

	// ErrCircuitOpen is returned while a provider's circuit breaker is open
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrNoProvider is returned when no configured provider could serve a call
	ErrNoProvider = errors.New("no LLM provider available")
)
