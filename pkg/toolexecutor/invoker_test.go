package toolexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/otaku/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoker(t *testing.T) *Invoker {
	t.Helper()

	te := New()
	require.NoError(t, te.RegisterTool(inputTool("echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params["input"], nil
	})))
	require.NoError(t, te.RegisterTool(inputTool("broken", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("upstream returned 500")
	})))
	require.NoError(t, te.RegisterTool(inputTool("structured", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"id": 1}, nil
	})))

	inv, err := NewInvoker(te, zerolog.Nop(), time.Second)
	require.NoError(t, err)
	return inv
}

func TestNewInvoker_RequiresExecutor(t *testing.T) {
	_, err := NewInvoker(nil, zerolog.Nop(), 0)
	assert.Error(t, err)
}

func TestInvoker_Invoke(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	t.Run("success becomes tool message", func(t *testing.T) {
		msg, err := inv.Invoke(ctx, session.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"input": "Frieren"}}, ExecutionContext{AgentID: "Anime"})
		require.NoError(t, err)
		assert.Equal(t, session.RoleTool, msg.Role)
		assert.Equal(t, "echo", msg.Name)
		assert.Equal(t, "c1", msg.ToolCallID)
		assert.Equal(t, "Frieren", msg.Content)
	})

	t.Run("handler failure is reported as text", func(t *testing.T) {
		msg, err := inv.Invoke(ctx, session.ToolCall{ID: "c2", Name: "broken", Arguments: map[string]interface{}{"input": "x"}}, ExecutionContext{})
		require.NoError(t, err)
		assert.Equal(t, "error: upstream returned 500", msg.Content)
	})

	t.Run("unknown tool is reported as text", func(t *testing.T) {
		msg, err := inv.Invoke(ctx, session.ToolCall{ID: "c3", Name: "nope"}, ExecutionContext{})
		require.NoError(t, err)
		assert.Contains(t, msg.Content, "error: tool not found")
	})

	t.Run("malformed arguments are reported as text", func(t *testing.T) {
		msg, err := inv.Invoke(ctx, session.ToolCall{ID: "c4", Name: "echo", Arguments: map[string]interface{}{"query": "x"}}, ExecutionContext{})
		require.NoError(t, err)
		assert.Contains(t, msg.Content, "error: parameter validation failed")
	})

	t.Run("structured output is json encoded", func(t *testing.T) {
		msg, err := inv.Invoke(ctx, session.ToolCall{ID: "c5", Name: "structured", Arguments: map[string]interface{}{"input": "x"}}, ExecutionContext{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":1}`, msg.Content)
	})
}

func TestInvoker_InvokeAll_PreservesOrder(t *testing.T) {
	inv := newTestInvoker(t)

	calls := []session.ToolCall{
		{ID: "a", Name: "echo", Arguments: map[string]interface{}{"input": "first"}},
		{ID: "b", Name: "broken", Arguments: map[string]interface{}{"input": "x"}},
		{ID: "c", Name: "echo", Arguments: map[string]interface{}{"input": "third"}},
	}

	msgs, err := inv.InvokeAll(context.Background(), calls, ExecutionContext{AgentID: "Manga"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, call := range calls {
		assert.Equal(t, call.ID, msgs[i].ToolCallID)
	}
	assert.Equal(t, "first", msgs[0].Content)
	assert.Contains(t, msgs[1].Content, "error:")
	assert.Equal(t, "third", msgs[2].Content)
}

func TestInvoker_CancelledContext(t *testing.T) {
	inv := newTestInvoker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Invoke(ctx, session.ToolCall{ID: "x", Name: "echo", Arguments: map[string]interface{}{"input": "x"}}, ExecutionContext{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = inv.InvokeAll(ctx, []session.ToolCall{{ID: "x", Name: "echo"}}, ExecutionContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "", FormatResult(ToolResult{Success: true}))
	assert.Equal(t, "raw", FormatResult(ToolResult{Success: true, Output: []byte("raw")}))
	assert.Equal(t, "error: boom", FormatResult(ToolResult{Error: "boom"}))
}
