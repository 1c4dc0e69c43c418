package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/catalog"
	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/harun/otaku/pkg/transcript"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Node is a state of the dispatch loop
type Node string

const (
	NodeRouter    Node = "router"
	NodeRefresh   Node = "refresh_token"
	NodeExpert    Node = "expert"
	NodeTools     Node = "tools"
	NodeUpdate    Node = "update"
	NodeSummarize Node = "summarize"
)

// routerAgentID identifies router-originated tool calls to the invoker
const routerAgentID = "Router"

// Router picks the next node from the shared history
type Router interface {
	Route(ctx context.Context, shared []session.Message) (agent.Decision, error)
	Experts() []string
}

// Summarizer turns the shared history into the final answer
type Summarizer interface {
	Summarize(ctx context.Context, shared []session.Message) (session.Message, error)
}

// ToolInvoker resolves tool calls into tool messages in request order
type ToolInvoker interface {
	InvokeAll(ctx context.Context, calls []session.ToolCall, execCtx toolexecutor.ExecutionContext) ([]session.Message, error)
}

// Budget bounds a single query
type Budget struct {
	// MaxSteps counts every node visit
	MaxSteps int
	// MaxExpertIterations counts expert turns within one dispatch
	MaxExpertIterations int
	// MaxInconclusive counts consecutive router turns that chose nothing
	MaxInconclusive int
}

// DefaultBudget returns the default query budget
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:            50,
		MaxExpertIterations: 10,
		MaxInconclusive:     3,
	}
}

// Event is emitted for every message appended during a run
type Event struct {
	RunID       string
	Step        int
	Node        Node
	Destination agent.Destination
	Expert      string
	Scope       session.Scope
	Message     session.Message
}

// Observer receives run events as they happen. It is called synchronously
// from the run's goroutine.
type Observer func(Event)

// Result is the outcome of a completed query
type Result struct {
	RunID      string
	Answer     session.Message
	Shared     []session.Message
	Steps      int
	Transcript []transcript.Entry
}

// Config holds the components the orchestrator drives
type Config struct {
	Router     Router
	Experts    *Registry
	Invoker    ToolInvoker
	Summarizer Summarizer
	// RefreshTool is the only tool the RefreshToken node may call
	RefreshTool string
	Logger      zerolog.Logger
}

// Orchestrator runs queries through the router/expert state machine.
// It holds no per-query state and is safe for concurrent Run calls.
type Orchestrator struct {
	router      Router
	experts     *Registry
	invoker     ToolInvoker
	summarizer  Summarizer
	refreshTool string
	logger      zerolog.Logger
	budget      Budget
	observer    Observer
	recorder    transcript.Recorder
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithBudget overrides the query budget. Non-positive fields keep their
// defaults.
func WithBudget(b Budget) Option {
	return func(o *Orchestrator) {
		if b.MaxSteps > 0 {
			o.budget.MaxSteps = b.MaxSteps
		}
		if b.MaxExpertIterations > 0 {
			o.budget.MaxExpertIterations = b.MaxExpertIterations
		}
		if b.MaxInconclusive > 0 {
			o.budget.MaxInconclusive = b.MaxInconclusive
		}
	}
}

// WithObserver sets the run event observer
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithTranscript persists every run to rec
func WithTranscript(rec transcript.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = rec
	}
}

// New creates an orchestrator
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Experts == nil || cfg.Experts.Count() == 0 {
		return nil, errors.New("at least one expert is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("tool invoker is required")
	}
	if cfg.Summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	for _, name := range cfg.Router.Experts() {
		if _, err := cfg.Experts.Get(name); err != nil {
			return nil, fmt.Errorf("router destination: %w", err)
		}
	}

	o := &Orchestrator{
		router:      cfg.Router,
		experts:     cfg.Experts,
		invoker:     cfg.Invoker,
		summarizer:  cfg.Summarizer,
		refreshTool: cfg.RefreshTool,
		logger:      cfg.Logger,
		budget:      DefaultBudget(),
	}
	if o.refreshTool == "" {
		o.refreshTool = catalog.RefreshToolName
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Budget returns the effective query budget
func (o *Orchestrator) Budget() Budget {
	return o.budget
}

// Run answers one query. The run ID is taken from ctx when present.
// Any failure aborts the query without a partial answer.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	runID := tracing.GetRunID(ctx)
	if runID == "" {
		runID = tracing.NewRunID()
		ctx = tracing.WithRunID(ctx, runID)
	}

	ctx, span := tracing.StartSpan(ctx, "otaku.orchestrator", "orchestrator.run",
		attribute.String("run_id", runID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	state, err := session.NewState(runID, query)
	if err != nil {
		return nil, err
	}

	r := &run{o: o, state: state, logger: logger}
	r.startTranscript(ctx)

	logger.Info().Str("run_id", runID).Msg("Query started")

	result, err := r.loop(ctx)
	observability.RecordQuery(time.Since(start), err == nil)
	r.finishTranscript(ctx, result, err)

	if err != nil {
		tracing.Fail(span, err)
		logger.Warn().Err(err).Int("steps", r.steps).Msg("Query aborted")
		return nil, err
	}

	span.SetAttributes(attribute.Int("steps", r.steps))
	logger.Info().
		Int("steps", r.steps).
		Dur("duration", time.Since(start)).
		Msg("Query completed")

	return result, nil
}

// run is the per-query state of one Run call
type run struct {
	o      *Orchestrator
	state  *session.State
	logger zerolog.Logger

	steps        int
	expertSteps  int
	inconclusive int
	answer       session.Message
	entries      []transcript.Entry
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	node := NodeRouter
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.steps >= r.o.budget.MaxSteps {
			return nil, r.exceeded("max_steps", fmt.Sprintf("query exceeded %d steps", r.o.budget.MaxSteps))
		}
		r.steps++
		observability.RecordNodeVisit(string(node))

		next, done, err := r.visit(ctx, node)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if done {
			return &Result{
				RunID:      r.state.RunID,
				Answer:     r.answer,
				Shared:     r.state.Shared.Messages(),
				Steps:      r.steps,
				Transcript: r.entries,
			}, nil
		}
		node = next
	}
}

func (r *run) visit(ctx context.Context, node Node) (Node, bool, error) {
	if r.state.Expert != "" {
		ctx = tracing.WithExpert(ctx, r.state.Expert)
	}
	ctx, span := tracing.StartSpan(ctx, "otaku.orchestrator", "node."+string(node),
		attribute.Int("step", r.steps),
		attribute.String("expert", r.state.Expert),
	)
	defer span.End()

	var (
		next Node
		done bool
		err  error
	)
	switch node {
	case NodeRouter:
		next, err = r.route(ctx)
	case NodeRefresh:
		next, err = r.refresh(ctx)
	case NodeExpert:
		next, err = r.expertStep(ctx)
	case NodeTools:
		next, err = r.tools(ctx)
	case NodeUpdate:
		next, err = r.update(ctx)
	case NodeSummarize:
		done, err = true, r.summarize(ctx)
	default:
		err = fmt.Errorf("unknown node %q", node)
	}

	if err != nil {
		tracing.Fail(span, err)
	}
	return next, done, err
}

func (r *run) route(ctx context.Context) (Node, error) {
	decision, err := r.o.router.Route(ctx, r.state.Shared.Messages())
	if err != nil {
		return "", err
	}
	observability.RecordRouterDecision(string(decision.Destination))

	if err := r.append(ctx, NodeRouter, session.ScopeShared, decision.Message, decision.Destination); err != nil {
		return "", err
	}

	if decision.Destination != agent.DestRouter {
		r.inconclusive = 0
	}

	switch decision.Destination {
	case agent.DestRefreshToken:
		return NodeRefresh, nil
	case agent.DestExpert:
		if _, err := r.o.experts.Get(decision.Expert); err != nil {
			return "", err
		}
		r.state.BeginDispatch(decision.Expert)
		r.expertSteps = 0
		r.logger.Debug().
			Str("expert", decision.Expert).
			Int("dispatch", r.state.Dispatch).
			Msg("Dispatching to expert")
		return NodeExpert, nil
	case agent.DestSummarize:
		return NodeSummarize, nil
	default:
		r.inconclusive++
		if r.inconclusive > r.o.budget.MaxInconclusive {
			return "", r.exceeded("inconclusive",
				fmt.Sprintf("router was inconclusive %d times in a row", r.inconclusive))
		}
		return NodeRouter, nil
	}
}

// refresh resolves the tool calls left pending on the router message.
// Results go to the shared history; scratchpads are never touched.
func (r *run) refresh(ctx context.Context) (Node, error) {
	last, ok := r.state.Shared.Last()
	if !ok || !last.HasToolCalls() {
		return NodeRouter, nil
	}

	results, err := r.o.invoker.InvokeAll(ctx, last.ToolCalls, toolexecutor.ExecutionContext{
		RunID:      r.state.RunID,
		AgentID:    routerAgentID,
		ToolPolicy: toolexecutor.AllowOnly(r.o.refreshTool),
	})
	if err != nil {
		return "", err
	}

	for _, msg := range results {
		if err := r.append(ctx, NodeRefresh, session.ScopeShared, msg, ""); err != nil {
			return "", err
		}
	}
	return NodeRouter, nil
}

func (r *run) expertStep(ctx context.Context) (Node, error) {
	if r.expertSteps >= r.o.budget.MaxExpertIterations {
		return "", r.exceeded("expert_iterations",
			fmt.Sprintf("expert %s exceeded %d iterations", r.state.Expert, r.o.budget.MaxExpertIterations))
	}
	r.expertSteps++

	e, err := r.o.experts.Get(r.state.Expert)
	if err != nil {
		return "", err
	}

	msg, err := e.Step(ctx, r.state.Shared.Messages(), r.state.Scratchpad.Messages())
	if err != nil {
		return "", err
	}
	if err := r.append(ctx, NodeExpert, session.ScopeScratchpad, msg, ""); err != nil {
		return "", err
	}

	if msg.HasToolCalls() {
		return NodeTools, nil
	}
	return NodeUpdate, nil
}

func (r *run) tools(ctx context.Context) (Node, error) {
	e, err := r.o.experts.Get(r.state.Expert)
	if err != nil {
		return "", err
	}

	last, _ := r.state.Scratchpad.Last()
	results, err := r.o.invoker.InvokeAll(ctx, last.ToolCalls, toolexecutor.ExecutionContext{
		RunID:      r.state.RunID,
		AgentID:    e.Name(),
		ToolPolicy: e.Policy(),
	})
	if err != nil {
		return "", err
	}

	for _, msg := range results {
		if err := r.append(ctx, NodeTools, session.ScopeScratchpad, msg, ""); err != nil {
			return "", err
		}
	}
	return NodeExpert, nil
}

// update copies the expert's verdict into the shared history. The rest of
// the scratchpad stays in the transcript only.
func (r *run) update(ctx context.Context) (Node, error) {
	last, ok := r.state.Scratchpad.Last()
	if !ok {
		return "", fmt.Errorf("expert %s left an empty scratchpad", r.state.Expert)
	}

	msg := session.Message{
		Role:    session.RoleAssistant,
		Name:    r.state.Expert,
		Content: last.Content,
	}
	if err := r.append(ctx, NodeUpdate, session.ScopeShared, msg, ""); err != nil {
		return "", err
	}
	return NodeRouter, nil
}

func (r *run) summarize(ctx context.Context) error {
	answer, err := r.o.summarizer.Summarize(ctx, r.state.Shared.Messages())
	if err != nil {
		return err
	}
	if err := r.append(ctx, NodeSummarize, session.ScopeShared, answer, ""); err != nil {
		return err
	}
	r.answer, _ = r.state.Shared.Last()
	return nil
}

// append adds msg to one history and reports it to the transcript and the
// observer
func (r *run) append(ctx context.Context, node Node, scope session.Scope, msg session.Message, dest agent.Destination) error {
	if err := r.state.Append(scope, msg); err != nil {
		return fmt.Errorf("%s: %w", node, err)
	}

	stored := msg
	switch scope {
	case session.ScopeShared:
		stored, _ = r.state.Shared.Last()
	case session.ScopeScratchpad:
		stored, _ = r.state.Scratchpad.Last()
	}

	entry := transcript.Entry{
		RunID:   r.state.RunID,
		Step:    r.steps,
		Node:    string(node),
		Scope:   scope,
		Message: stored,
	}
	if scope == session.ScopeScratchpad {
		entry.Expert = r.state.Expert
		entry.Dispatch = r.state.Dispatch
	}
	r.entries = append(r.entries, entry)

	if r.o.recorder != nil {
		if err := r.o.recorder.Record(ctx, entry); err != nil {
			r.logger.Warn().Err(err).Str("node", string(node)).Msg("Failed to record transcript entry")
		}
	}

	if r.o.observer != nil {
		r.o.observer(Event{
			RunID:       r.state.RunID,
			Step:        r.steps,
			Node:        node,
			Destination: dest,
			Expert:      entry.Expert,
			Scope:       scope,
			Message:     stored,
		})
	}
	return nil
}

func (r *run) exceeded(reason, detail string) error {
	observability.RecordBudgetExceeded(reason)
	return fmt.Errorf("%w: %s", ErrBudgetExceeded, detail)
}

func (r *run) startTranscript(ctx context.Context) {
	first, _ := r.state.Shared.Last()
	entry := transcript.Entry{
		RunID:   r.state.RunID,
		Node:    "query",
		Scope:   session.ScopeShared,
		Message: first,
	}
	r.entries = append(r.entries, entry)

	if r.o.recorder == nil {
		return
	}
	if err := r.o.recorder.StartRun(ctx, transcript.Run{
		ID:        r.state.RunID,
		Query:     r.state.Query,
		Status:    transcript.StatusRunning,
		StartedAt: first.Timestamp,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to start transcript")
		return
	}
	if err := r.o.recorder.Record(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record transcript entry")
	}
}

func (r *run) finishTranscript(ctx context.Context, result *Result, runErr error) {
	if r.o.recorder == nil {
		return
	}

	finished := time.Now()
	rec := transcript.Run{
		ID:         r.state.RunID,
		Query:      r.state.Query,
		Status:     transcript.StatusCompleted,
		Steps:      r.steps,
		FinishedAt: &finished,
	}
	if runErr != nil {
		rec.Status = transcript.StatusFailed
		rec.Error = runErr.Error()
	} else if result != nil {
		rec.Answer = result.Answer.Content
	}

	// Record the outcome of cancelled runs too
	if err := r.o.recorder.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to finish transcript")
	}
}
