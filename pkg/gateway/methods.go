package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/transcript"
)

// RunView is a stored run with the messages appended during it
type RunView struct {
	Run     *transcript.Run    `json:"run"`
	Entries []transcript.Entry `json:"entries"`
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("ask", s.handleAskMethod)
	_ = s.RegisterMethod("ask.cancel", s.handleCancelMethod)
	_ = s.RegisterMethod("status", s.handleStatusMethod)

	if s.transcripts != nil {
		_ = s.RegisterMethod("runs.list", s.handleRunsList)
		_ = s.RegisterMethod("runs.get", s.handleRunsGet)
	}
}

// handleAskMethod runs a query. Over a websocket the caller also receives
// every node event of the run before the response.
func (s *Server) handleAskMethod(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "query parameter is required and must be a string"}
	}

	runID := tracing.NewRunID()
	if clientID := clientIDFromContext(ctx); clientID != "" {
		unfollow := s.broadcaster.Follow(runID, clientID)
		defer unfollow()

		_ = s.broadcaster.SendTo(clientID, EventMessage{
			Event:   "run.started",
			Stream:  StreamTypeLifecycle,
			Phase:   "start",
			RunID:   runID,
			TraceID: tracing.GetTraceID(ctx),
			Data:    map[string]interface{}{"query": query},
		})
	}

	result, err := s.runQuery(ctx, runID, query)
	if err != nil {
		return nil, rpcError(err, runID)
	}

	return AskResponse{
		RunID:  result.RunID,
		Answer: result.Answer.Content,
		Steps:  result.Steps,
	}, nil
}

func (s *Server) handleCancelMethod(_ context.Context, params map[string]interface{}) (interface{}, error) {
	runID, _ := params["run_id"].(string)
	if runID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "run_id is required"}
	}
	if !s.cancelRun(runID) {
		return nil, &RPCError{Code: NotFound, Message: "run is not in progress"}
	}
	return map[string]bool{"cancelled": true}, nil
}

func (s *Server) handleStatusMethod(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	s.runsMu.Lock()
	running := len(s.runs)
	s.runsMu.Unlock()

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.clients.Count(),
		"running":        running,
		"methods":        s.router.GetMethods(),
	}, nil
}

func (s *Server) handleRunsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}

	runs, err := s.transcripts.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Server) handleRunsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	runID, _ := params["run_id"].(string)
	if runID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "run_id is required"}
	}

	run, err := s.transcripts.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, transcript.ErrRunNotFound) {
			return nil, &RPCError{Code: NotFound, Message: err.Error()}
		}
		return nil, err
	}
	entries, err := s.transcripts.Entries(ctx, runID)
	if err != nil {
		return nil, err
	}
	return RunView{Run: run, Entries: entries}, nil
}

// statusForError maps a query failure to an HTTP status
func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrCircuitOpen),
		errors.Is(err, agent.ErrNoProvider),
		errors.Is(err, agent.ErrNoResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func rpcError(err error, runID string) *RPCError {
	code := InternalError
	if errors.Is(err, orchestrator.ErrBudgetExceeded) {
		code = BudgetExceeded
	}
	return &RPCError{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]string{"run_id": runID},
	}
}
