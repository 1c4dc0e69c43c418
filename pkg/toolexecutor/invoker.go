package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Invoker resolves tool calls carried on a message into tool messages.
//
// Tool failures (unknown tool, policy denial, malformed arguments, handler
// errors, timeouts) are reported as tool message text so the requesting
// agent can react to them. Only cancellation of the caller's context is
// returned as an error.
type Invoker struct {
	executor *ToolExecutor
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewInvoker creates an invoker over a tool registry
func NewInvoker(executor *ToolExecutor, logger zerolog.Logger, timeout time.Duration) (*Invoker, error) {
	if executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Invoker{
		executor: executor,
		logger:   logger,
		timeout:  timeout,
	}, nil
}

// Executor returns the underlying tool registry
func (inv *Invoker) Executor() *ToolExecutor {
	return inv.executor
}

// Invoke executes a single tool call on behalf of agentID under policy
func (inv *Invoker) Invoke(ctx context.Context, call session.ToolCall, execCtx ExecutionContext) (session.Message, error) {
	if err := ctx.Err(); err != nil {
		return session.Message{}, err
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"otaku.toolexecutor",
		"tool.invoke",
		attribute.String("tool", call.Name),
		attribute.String("agent_id", execCtx.AgentID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, inv.logger)

	if execCtx.Timeout <= 0 {
		execCtx.Timeout = inv.timeout
	}

	result := inv.executor.Execute(ctx, call.Name, call.Arguments, &execCtx)

	// The query was cancelled while the tool ran: abort instead of reporting
	if err := ctx.Err(); err != nil {
		tracing.Fail(span, err)
		return session.Message{}, fmt.Errorf("tool %s interrupted: %w", call.Name, err)
	}

	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
		logger.Warn().
			Str("tool", call.Name).
			Str("agent_id", execCtx.AgentID).
			Str("error", result.Error).
			Msg("Tool call failed, reporting as tool output")
	}

	return session.Message{
		Role:       session.RoleTool,
		Name:       call.Name,
		Content:    FormatResult(result),
		ToolCallID: call.ID,
	}, nil
}

// InvokeAll resolves calls sequentially in request order
func (inv *Invoker) InvokeAll(ctx context.Context, calls []session.ToolCall, execCtx ExecutionContext) ([]session.Message, error) {
	messages := make([]session.Message, 0, len(calls))
	for _, call := range calls {
		msg, err := inv.Invoke(ctx, call, execCtx)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// FormatResult renders a tool result as message text
func FormatResult(result ToolResult) string {
	if !result.Success {
		return "error: " + result.Error
	}

	switch out := result.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	case []byte:
		return string(out)
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}
