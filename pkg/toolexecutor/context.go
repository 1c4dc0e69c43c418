package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext makes execCtx visible to tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context a handler runs under, or nil.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}

// CallerFromContext returns the run and agent that requested the current tool call.
func CallerFromContext(ctx context.Context) (runID, agentID string) {
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		return execCtx.RunID, execCtx.AgentID
	}
	return "", ""
}
