package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
)

// Expert is an agent the router can hand control to
type Expert interface {
	Name() string
	Policy() *toolexecutor.ToolPolicy
	Step(ctx context.Context, shared, scratchpad []session.Message) (session.Message, error)
}

// Registry holds the experts reachable from the router
type Registry struct {
	experts map[string]Expert
	mu      sync.RWMutex
}

// NewRegistry creates a registry holding experts
func NewRegistry(experts ...Expert) (*Registry, error) {
	r := &Registry{experts: make(map[string]Expert)}
	for _, e := range experts {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an expert
func (r *Registry) Register(e Expert) error {
	if e == nil || e.Name() == "" {
		return fmt.Errorf("expert name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experts[e.Name()]; exists {
		return fmt.Errorf("expert already registered: %s", e.Name())
	}

	r.experts[e.Name()] = e
	return nil
}

// Get retrieves an expert by name
func (r *Registry) Get(name string) (Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.experts[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExpert, name)
	}
	return e, nil
}

// Names returns the registered expert names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.experts))
	for name := range r.experts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered experts
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.experts)
}
