package session

import (
	"fmt"
	"strings"
	"time"
)

// Message roles
const (
	RoleSystem      = "system"
	RoleUser        = "user"
	RoleRouter      = "router"
	RoleAssistant   = "assistant"
	RoleTool        = "tool"
	RoleFinalAnswer = "final-answer"
)

// ToolCall is a structured request for an external action carried on a message
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message represents a single entry in a history
type Message struct {
	Role       string     `json:"role"`
	Name       string     `json:"name,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// HasToolCalls reports whether the message carries unresolved tool requests
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Speaker returns the label used when the message is rendered into a prompt.
// Expert output carries the expert name, everything else its role.
func (m Message) Speaker() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Role
}

// Render formats the message as a single transcript line
func (m Message) Render() string {
	var b strings.Builder
	b.WriteString(m.Speaker())
	b.WriteString(": ")
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(&b, " [tool call %s %v]", tc.Name, tc.Arguments)
	}
	return b.String()
}

// clone returns a deep copy so appended messages cannot be mutated through
// slices held by the caller
func (m Message) clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				args := make(map[string]interface{}, len(tc.Arguments))
				for k, v := range tc.Arguments {
					args[k] = v
				}
				out.ToolCalls[i].Arguments = args
			}
		}
	}
	return out
}
