package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnresolvedToolCalls is returned when a non-tool message is appended
	// while tool calls of the previous message are still awaiting results.
	ErrUnresolvedToolCalls = errors.New("tool calls awaiting results")

	// ErrUnexpectedToolResult is returned when a tool message does not answer
	// the next pending tool call.
	ErrUnexpectedToolResult = errors.New("unexpected tool result")
)

// History is an append-only ordered sequence of messages.
//
// A message carrying N tool calls must be followed by exactly N tool
// messages answering those calls in request order before anything else is
// appended. History is not safe for concurrent use; a query owns its
// histories exclusively.
type History struct {
	messages []Message
	pending  []string
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{}
}

// Append adds a message to the end of the history
func (h *History) Append(msg Message) error {
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}

	if len(h.pending) > 0 {
		if msg.Role != RoleTool {
			return fmt.Errorf("%w: %d pending, got role %s", ErrUnresolvedToolCalls, len(h.pending), msg.Role)
		}
		if msg.ToolCallID != h.pending[0] {
			return fmt.Errorf("%w: expected result for %q, got %q", ErrUnexpectedToolResult, h.pending[0], msg.ToolCallID)
		}
		h.pending = h.pending[1:]
	} else if msg.Role == RoleTool {
		return fmt.Errorf("%w: no tool call pending for %q", ErrUnexpectedToolResult, msg.ToolCallID)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	msg = msg.clone()
	h.messages = append(h.messages, msg)

	for _, tc := range msg.ToolCalls {
		h.pending = append(h.pending, tc.ID)
	}

	return nil
}

// Len returns the number of messages
func (h *History) Len() int {
	return len(h.messages)
}

// Messages returns a copy of all messages in order
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	for i, m := range h.messages {
		out[i] = m.clone()
	}
	return out
}

// Last returns the most recent message
func (h *History) Last() (Message, bool) {
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1].clone(), true
}

// Pending returns the number of tool calls still awaiting results
func (h *History) Pending() int {
	return len(h.pending)
}

// Render formats the history as a newline separated transcript
func (h *History) Render() string {
	lines := make([]string, 0, len(h.messages))
	for _, m := range h.messages {
		lines = append(lines, m.Render())
	}
	return strings.Join(lines, "\n")
}
