package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskCommand(t *testing.T) {
	t.Run("prints the answer", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		out, errOut, err := execute(t, "ask", "--config", cfgPath, "When", "does", "Frieren", "air?")
		require.NoError(t, err)
		assert.Equal(t, scriptedAnswer+"\n", out)
		assert.Empty(t, errOut)
	})

	t.Run("json output", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		out, _, err := execute(t, "ask", "--config", cfgPath, "--json", "When does Frieren air?")
		require.NoError(t, err)

		var got askOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, scriptedAnswer, got.Answer)
		assert.Equal(t, 2, got.Steps)
		assert.NotEmpty(t, got.RunID)
	})

	t.Run("stream writes node events to stderr", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		out, errOut, err := execute(t, "ask", "--config", cfgPath, "--stream", "When does Frieren air?")
		require.NoError(t, err)
		assert.Equal(t, scriptedAnswer+"\n", out)

		lines := strings.Split(strings.TrimSpace(errOut), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "[1] router: Summarize", lines[0])
		assert.Equal(t, "[2] summarize: "+scriptedAnswer, lines[1])
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, map[string]interface{}{
			"llm": map[string]interface{}{"profiles": []interface{}{}},
		})
		_, _, err := execute(t, "ask", "--config", cfgPath, "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("blank query", func(t *testing.T) {
		_, _, err := execute(t, "ask", "   ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be empty")
	})
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		evt  orchestrator.Event
		want string
	}{
		{
			name: "router decision",
			evt: orchestrator.Event{Step: 1, Node: orchestrator.NodeRouter, Destination: agent.DestExpert,
				Scope: session.ScopeShared, Message: session.Message{Content: "Anime"}},
			want: "[1] router: Anime",
		},
		{
			name: "expert tool call in scratchpad",
			evt: orchestrator.Event{Step: 2, Node: orchestrator.NodeExpert, Expert: "Anime",
				Scope: session.ScopeScratchpad, Message: session.Message{
					ToolCalls: []session.ToolCall{{ID: "c1", Name: "search_anime", Arguments: map[string]interface{}{"input": "frieren"}}},
				}},
			want: `[2] expert Anime (scratchpad): -> search_anime({"input":"frieren"})`,
		},
		{
			name: "multi-line text is flattened",
			evt: orchestrator.Event{Step: 5, Node: orchestrator.NodeSummarize, Scope: session.ScopeShared,
				Message: session.Message{Content: "line one\n\nline   two"}},
			want: "[5] summarize: line one line two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.evt))
		})
	}
}
