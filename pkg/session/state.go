package session

import "fmt"

// Scope identifies which history a step appended to
type Scope string

const (
	ScopeShared     Scope = "shared"
	ScopeScratchpad Scope = "scratchpad"
)

// State is the mutable state of one user query: the shared history seen by
// the router and summarizer, and the scratchpad of the expert currently in
// control.
type State struct {
	RunID      string
	Query      string
	Shared     *History
	Scratchpad *History
	Expert     string
	Dispatch   int
}

// NewState creates the state for a query, seeding the shared history with
// the user message.
func NewState(runID, query string) (*State, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	s := &State{
		RunID:      runID,
		Query:      query,
		Shared:     NewHistory(),
		Scratchpad: NewHistory(),
	}
	if err := s.Shared.Append(Message{Role: RoleUser, Content: query}); err != nil {
		return nil, err
	}
	return s, nil
}

// BeginDispatch hands control to an expert with an empty scratchpad.
// It returns the previous scratchpad so callers can retain it for audit.
func (s *State) BeginDispatch(expert string) *History {
	previous := s.Scratchpad
	s.Scratchpad = NewHistory()
	s.Expert = expert
	s.Dispatch++
	return previous
}

// Append adds msg to the history named by scope
func (s *State) Append(scope Scope, msg Message) error {
	switch scope {
	case ScopeShared:
		return s.Shared.Append(msg)
	case ScopeScratchpad:
		return s.Scratchpad.Append(msg)
	default:
		return fmt.Errorf("unknown history scope: %s", scope)
	}
}
