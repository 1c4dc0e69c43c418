// Package agenttest provides a scripted Completer for tests of code that
// drives agents.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/session"
)

// Script produces one completion
type Script func(req agent.LLMRequest) (*agent.LLMResponse, error)

// Reply answers with text
func Reply(text string) Script {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{Content: text}, nil
	}
}

// Call answers with tool calls
func Call(calls ...session.ToolCall) Script {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		out := make([]session.ToolCall, len(calls))
		copy(out, calls)
		return &agent.LLMResponse{ToolCalls: out}, nil
	}
}

// Select answers with a select_destination call
func Select(id, destination string) Script {
	return Call(session.ToolCall{
		ID:        id,
		Name:      agent.SelectDestinationTool,
		Arguments: map[string]interface{}{"destination": destination},
	})
}

// Fail answers with an error
func Fail(err error) Script {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return nil, err
	}
}

// Completer replays scripted responses per role in order. When a role's
// queue is empty its fallback script is used, if any.
type Completer struct {
	mu        sync.Mutex
	scripts   map[string][]Script
	fallbacks map[string]Script
	requests  map[string][]agent.LLMRequest
}

var _ agent.Completer = (*Completer)(nil)

// New creates an empty scripted completer
func New() *Completer {
	return &Completer{
		scripts:   make(map[string][]Script),
		fallbacks: make(map[string]Script),
		requests:  make(map[string][]agent.LLMRequest),
	}
}

// On queues scripts for role
func (c *Completer) On(role string, scripts ...Script) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[role] = append(c.scripts[role], scripts...)
	return c
}

// Always sets the script used once role's queue is exhausted
func (c *Completer) Always(role string, script Script) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[role] = script
	return c
}

// Complete implements agent.Completer
func (c *Completer) Complete(ctx context.Context, role string, req agent.LLMRequest) (*agent.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests[role] = append(c.requests[role], req)
	var script Script
	if queue := c.scripts[role]; len(queue) > 0 {
		script = queue[0]
		c.scripts[role] = queue[1:]
	} else {
		script = c.fallbacks[role]
	}
	c.mu.Unlock()

	if script == nil {
		return nil, fmt.Errorf("no scripted response for role %s", role)
	}
	return script(req)
}

// Requests returns the requests received for role
func (c *Completer) Requests(role string) []agent.LLMRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agent.LLMRequest, len(c.requests[role]))
	copy(out, c.requests[role])
	return out
}

// Remaining returns how many queued scripts role has left
func (c *Completer) Remaining(role string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scripts[role])
}
