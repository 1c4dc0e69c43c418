package agent

import (
	"fmt"

	"github.com/harun/otaku/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ensureToolCallIDs assigns an ID to every tool call the provider left
// unnamed (Ollama never sets one)
func ensureToolCallIDs(calls []session.ToolCall) ([]session.ToolCall, error) {
	for i := range calls {
		if calls[i].ID != "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("generate tool call id: %w", err)
		}
		calls[i].ID = "call_" + id
	}
	return calls, nil
}
