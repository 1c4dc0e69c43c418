// Package toolexecutor holds the catalog tools agents may call and turns
// model tool calls into tool messages.
//
// A ToolExecutor validates parameters against a JSON Schema derived from each
// ToolDefinition before the handler runs, enforces a per-caller ToolPolicy and
// bounds every call with a timeout. The Invoker on top of it resolves the
// calls of one assistant message in request order; a failing tool produces
// a tool message describing the failure, and only cancellation of the caller's
// context is reported as an error.
package toolexecutor
