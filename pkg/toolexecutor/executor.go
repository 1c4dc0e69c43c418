package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/otaku/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
	truncationMark = "\n... [output truncated]"
)

var paramTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// ToolParameter describes one named argument of a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition is a tool as advertised to models plus its handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	// Verbatim outputs are passed through whole, never truncated
	Verbatim bool `json:"-"`
}

// ToolHandler runs a tool with already validated parameters
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext identifies the caller of a tool and bounds the call
type ExecutionContext struct {
	RunID      string
	AgentID    string // expert or router that requested the call
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

// ToolResult is the outcome of one execution. Failures are values, never
// Go errors.
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func failed(format string, args ...interface{}) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...)}
}

type registeredTool struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// ToolExecutor is the registry of tools shared by every agent of a process
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func New() *ToolExecutor {
	observability.EnsureRegistered()
	return &ToolExecutor{tools: make(map[string]registeredTool)}
}

// RegisterTool validates def, compiles its parameter schema and adds it.
// Names must be unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := checkDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(InputSchema(def)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if _, dup := te.tools[def.Name]; dup {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = registeredTool{def: def, schema: schema}

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// GetTool returns a copy of the named definition, or nil
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	t, ok := te.tools[name]
	if !ok {
		return nil
	}
	def := t.def
	return &def
}

// ListTools returns the registered names in sorted order
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	te.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Definitions returns the definitions of names, in that order. Every name
// must be registered.
func (te *ToolExecutor) Definitions(names []string) ([]ToolDefinition, error) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := te.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", name)
		}
		defs = append(defs, t.def)
	}
	return defs, nil
}

// Execute checks policy and parameters, then runs the handler under a
// timeout. execCtx may be nil.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	if execCtx != nil && !execCtx.ToolPolicy.IsToolAllowed(toolName) {
		log.Warn().Str("tool", toolName).Str("agent_id", execCtx.AgentID).Msg("Tool execution blocked by policy")
		res := failed("tool '%s' is not allowed for %s", toolName, execCtx.AgentID)
		res.Metadata = map[string]interface{}{"policy_violation": true, "agent_id": execCtx.AgentID}
		return res
	}

	te.mu.RLock()
	tool, ok := te.tools[toolName]
	te.mu.RUnlock()
	if !ok {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		return failed("tool not found: %s", toolName)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validate(tool.schema, params); err != nil {
		observability.RecordToolExecution(toolName, 0, false)
		log.Error().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return failed("parameter validation failed: %v", err)
	}

	timeout := defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	start := time.Now()
	out, err := runHandler(ContextWithExecContext(ctx, execCtx), tool.def.Handler, params, timeout)
	elapsed := time.Since(start)
	observability.RecordToolExecution(toolName, elapsed, err == nil)

	var res ToolResult
	switch {
	case err == errTimeout:
		log.Error().Str("tool", toolName).Dur("duration", elapsed).Msg("Tool execution timeout")
		res = failed("tool execution timeout after %v", timeout)
	case err != nil:
		log.Warn().Str("tool", toolName).Dur("duration", elapsed).Err(err).Msg("Tool execution failed")
		res = failed("%s", err.Error())
	default:
		res.Success = true
		res.Output = out
		if !tool.def.Verbatim {
			res.Output, res.Truncated = truncate(out)
		}
		log.Debug().Str("tool", toolName).Dur("duration", elapsed).Bool("truncated", res.Truncated).Msg("Tool execution completed")
	}
	res.Metadata = map[string]interface{}{"duration": elapsed.Milliseconds()}
	return res
}

var errTimeout = fmt.Errorf("tool execution timeout")

// runHandler returns as soon as the deadline passes, even when the handler
// ignores its context
func runHandler(ctx context.Context, h ToolHandler, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := h(ctx, params)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, errTimeout
	}
}

func checkDefinition(def ToolDefinition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("tool name cannot be empty")
	case def.Description == "":
		return fmt.Errorf("tool description cannot be empty")
	case def.Handler == nil:
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, p := range def.Parameters {
		switch {
		case p.Name == "":
			return fmt.Errorf("parameter name cannot be empty")
		case p.Type == "":
			return fmt.Errorf("parameter type cannot be empty for %s", p.Name)
		case p.Description == "":
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		case !paramTypes[p.Type]:
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		case len(p.Enum) > 0 && p.Type != "string":
			return fmt.Errorf("enum is only supported for string parameter %s", p.Name)
		}
	}
	return nil
}

// InputSchema builds the JSON Schema object describing a tool's parameters.
// The same document validates calls and is handed to LLM providers.
func InputSchema(def ToolDefinition) map[string]interface{} {
	props := make(map[string]interface{}, len(def.Parameters))
	var required []string

	for _, p := range def.Parameters {
		prop := map[string]interface{}{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, 0, len(p.Enum))
			for _, v := range p.Enum {
				enum = append(enum, v)
			}
			prop["enum"] = enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validate(schema *gojsonschema.Schema, params map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
}

// truncate caps the textual form of out at maxOutputSize bytes, cutting on
// a rune boundary
func truncate(out interface{}) (interface{}, bool) {
	s, ok := out.(string)
	if !ok {
		s = fmt.Sprintf("%v", out)
	}
	if len(s) <= maxOutputSize {
		return out, false
	}
	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMark, true
}
