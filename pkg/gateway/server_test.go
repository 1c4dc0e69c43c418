package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-secret"

// fakeQuerier emits a router and an answer event per run, then returns
type fakeQuerier struct {
	mu      sync.Mutex
	observe func(orchestrator.Event)
	answer  string
	err     error
	block   bool
	queries []string
	ctxRuns []string
}

func (f *fakeQuerier) Run(ctx context.Context, query string) (*orchestrator.Result, error) {
	runID := tracing.GetRunID(ctx)

	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.ctxRuns = append(f.ctxRuns, runID)
	observe, block, answer, err := f.observe, f.block, f.answer, f.err
	f.mu.Unlock()

	if observe != nil {
		observe(orchestrator.Event{
			RunID:       runID,
			Step:        1,
			Node:        orchestrator.NodeRouter,
			Destination: agent.DestSummarize,
			Scope:       session.ScopeShared,
			Message:     session.Message{Role: session.RoleRouter, Content: "Summarize"},
		})
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if observe != nil {
		observe(orchestrator.Event{
			RunID:   runID,
			Step:    2,
			Node:    orchestrator.NodeSummarize,
			Scope:   session.ScopeShared,
			Message: session.Message{Role: session.RoleFinalAnswer, Content: answer},
		})
	}
	return &orchestrator.Result{
		RunID:  runID,
		Answer: session.Message{Role: session.RoleFinalAnswer, Content: answer},
		Steps:  2,
	}, nil
}

type fakeTranscripts struct {
	runs    map[string]transcript.Run
	entries map[string][]transcript.Entry
}

func (f *fakeTranscripts) GetRun(_ context.Context, runID string) (*transcript.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transcript.ErrRunNotFound, runID)
	}
	return &run, nil
}

func (f *fakeTranscripts) Entries(_ context.Context, runID string) ([]transcript.Entry, error) {
	return f.entries[runID], nil
}

func (f *fakeTranscripts) ListRuns(_ context.Context, limit int) ([]transcript.Run, error) {
	out := make([]transcript.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T, q *fakeQuerier, opts ...func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := Config{
		Port:         8080,
		SharedSecret: testSecret,
		Querier:      q,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	q.mu.Lock()
	q.observe = srv.Observe
	q.mu.Unlock()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url, secret string, body interface{}) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewServer_Validation(t *testing.T) {
	q := &fakeQuerier{}

	_, err := NewServer(Config{Port: 0, SharedSecret: "s", Querier: q})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8080, Querier: q})
	assert.ErrorContains(t, err, "shared secret")

	_, err = NewServer(Config{Port: 8080, SharedSecret: "s"})
	assert.ErrorContains(t, err, "querier")
}

func TestHandleAsk(t *testing.T) {
	q := &fakeQuerier{answer: "Frieren tops the ranking."}
	_, ts := newTestServer(t, q)
	url := ts.URL + "/v1/ask"

	t.Run("should answer a query", func(t *testing.T) {
		resp := postJSON(t, url, testSecret, AskRequest{Query: "top anime?"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AskResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "Frieren tops the ranking.", body.Answer)
		assert.Equal(t, 2, body.Steps)
		assert.NotEmpty(t, body.RunID)
		assert.Equal(t, body.RunID, resp.Header.Get("X-Run-Id"))
	})

	t.Run("should accept a bearer token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(`{"query":"hi"}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should reject a missing or wrong secret", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, postJSON(t, url, "", AskRequest{Query: "q"}).StatusCode)
		assert.Equal(t, http.StatusUnauthorized, postJSON(t, url, "nope", AskRequest{Query: "q"}).StatusCode)
	})

	t.Run("should reject an empty query", func(t *testing.T) {
		resp := postJSON(t, url, testSecret, AskRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should reject other methods", func(t *testing.T) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHandleAsk_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"budget", fmt.Errorf("%w: query exceeded 50 steps", orchestrator.ErrBudgetExceeded), http.StatusUnprocessableEntity},
		{"provider", fmt.Errorf("router: %w", agent.ErrCircuitOpen), http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, &fakeQuerier{err: tt.err})

			resp := postJSON(t, ts.URL+"/v1/ask", testSecret, AskRequest{Query: "q"})
			assert.Equal(t, tt.status, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body.Error, tt.err.Error())
			assert.NotEmpty(t, body.RunID)
		})
	}
}

func TestHandleAsk_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, &fakeQuerier{answer: "ok"}, func(c *Config) {
		c.HTTPRequestsPerMinute = 1
	})

	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/v1/ask", testSecret, AskRequest{Query: "q"}).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, postJSON(t, ts.URL+"/v1/ask", testSecret, AskRequest{Query: "q"}).StatusCode)
}

func TestHandleAsk_QueryTimeout(t *testing.T) {
	_, ts := newTestServer(t, &fakeQuerier{block: true}, func(c *Config) {
		c.QueryTimeout = 50 * time.Millisecond
	})

	resp := postJSON(t, ts.URL+"/v1/ask", testSecret, AskRequest{Query: "q"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHandleRPC(t *testing.T) {
	finished := time.Now()
	store := &fakeTranscripts{
		runs: map[string]transcript.Run{
			"run-1": {ID: "run-1", Query: "top anime?", Status: transcript.StatusCompleted, Steps: 7, FinishedAt: &finished},
		},
		entries: map[string][]transcript.Entry{
			"run-1": {{RunID: "run-1", Step: 0, Node: "query", Scope: session.ScopeShared}},
		},
	}
	srv, ts := newTestServer(t, &fakeQuerier{answer: "ok"}, func(c *Config) {
		c.Transcripts = store
	})
	url := ts.URL + "/rpc"

	call := func(t *testing.T, method string, params map[string]interface{}) RPCResponse {
		t.Helper()
		resp := postJSON(t, url, testSecret, RPCRequest{ID: "1", Method: method, Params: params})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	t.Run("should register transcript methods", func(t *testing.T) {
		assert.True(t, srv.router.HasMethod("runs.list"))
		assert.True(t, srv.router.HasMethod("runs.get"))
	})

	t.Run("should ask over rpc", func(t *testing.T) {
		out := call(t, "ask", map[string]interface{}{"query": "hi"})
		require.Nil(t, out.Error)
		result := out.Result.(map[string]interface{})
		assert.Equal(t, "ok", result["answer"])
	})

	t.Run("should get a stored run", func(t *testing.T) {
		out := call(t, "runs.get", map[string]interface{}{"run_id": "run-1"})
		require.Nil(t, out.Error)
		result := out.Result.(map[string]interface{})
		run := result["run"].(map[string]interface{})
		assert.Equal(t, "top anime?", run["query"])
		assert.Len(t, result["entries"], 1)
	})

	t.Run("should report unknown runs", func(t *testing.T) {
		out := call(t, "runs.get", map[string]interface{}{"run_id": "missing"})
		require.NotNil(t, out.Error)
		assert.Equal(t, NotFound, out.Error.Code)
	})

	t.Run("should list runs", func(t *testing.T) {
		out := call(t, "runs.list", map[string]interface{}{"limit": 5})
		require.Nil(t, out.Error)
		assert.Len(t, out.Result, 1)
	})

	t.Run("should reject invalid params", func(t *testing.T) {
		out := call(t, "ask", nil)
		require.NotNil(t, out.Error)
		assert.Equal(t, InvalidParams, out.Error.Code)
	})

	t.Run("should require the secret", func(t *testing.T) {
		resp := postJSON(t, url, "", RPCRequest{ID: "1", Method: "status"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject malformed requests", func(t *testing.T) {
		resp := postJSON(t, url, testSecret, map[string]string{"method": "status"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, &fakeQuerier{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

// wsClient dials the gateway and completes the challenge
func wsClient(t *testing.T, ts *httptest.Server, secret string) (*websocket.Conn, AuthResult) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)
	require.Equal(t, "auth.challenge", challenge.Event)
	require.Len(t, challenge.Challenge, 64)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: Sign(secret, challenge.Challenge),
	}))

	var result AuthResult
	readJSON(t, conn, &result)
	return conn, result
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

// frame holds either an event or an RPC response
type frame struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Phase  string          `json:"phase"`
	Seq    int64           `json:"seq"`
	RunID  string          `json:"run_id"`
	Data   json.RawMessage `json:"data"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func TestWebSocket_StreamsNodeEvents(t *testing.T) {
	_, ts := newTestServer(t, &fakeQuerier{answer: "Berserk is the top manga."})

	conn, auth := wsClient(t, ts, testSecret)
	require.True(t, auth.Success)
	require.Equal(t, "auth.success", auth.Event)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "req-1",
		Method: "ask",
		Params: map[string]interface{}{"query": "top manga?"},
	}))

	var frames []frame
	for {
		var f frame
		readJSON(t, conn, &f)
		frames = append(frames, f)
		if f.ID == "req-1" {
			break
		}
	}

	require.Len(t, frames, 4)
	assert.Equal(t, "run.started", frames[0].Event)
	runID := frames[0].RunID
	require.NotEmpty(t, runID)

	assert.Equal(t, "node", frames[1].Event)
	assert.Equal(t, "router", frames[1].Phase)
	assert.Equal(t, runID, frames[1].RunID)
	var node NodeEvent
	require.NoError(t, json.Unmarshal(frames[1].Data, &node))
	assert.Equal(t, "Summarize", node.Destination)
	assert.Equal(t, session.ScopeShared, node.Scope)

	assert.Equal(t, "summarize", frames[2].Phase)
	assert.Greater(t, frames[2].Seq, frames[1].Seq)

	require.Nil(t, frames[3].Error)
	var answer AskResponse
	require.NoError(t, json.Unmarshal(frames[3].Result, &answer))
	assert.Equal(t, runID, answer.RunID)
	assert.Equal(t, "Berserk is the top manga.", answer.Answer)
}

func TestWebSocket_RequiresAuthentication(t *testing.T) {
	_, ts := newTestServer(t, &fakeQuerier{answer: "ok"})

	t.Run("should reject a wrong signature", func(t *testing.T) {
		conn, auth := wsClient(t, ts, "wrong-secret")
		assert.False(t, auth.Success)
		assert.Equal(t, "auth.failure", auth.Event)

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "status"}))
		var resp RPCResponse
		readJSON(t, conn, &resp)
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should not stream other clients' runs", func(t *testing.T) {
		asker, auth := wsClient(t, ts, testSecret)
		require.True(t, auth.Success)
		bystander, auth := wsClient(t, ts, testSecret)
		require.True(t, auth.Success)

		require.NoError(t, asker.WriteJSON(RPCRequest{ID: "a", Method: "ask", Params: map[string]interface{}{"query": "q"}}))
		for {
			var f frame
			readJSON(t, asker, &f)
			if f.ID == "a" {
				break
			}
		}

		require.NoError(t, bystander.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		_, _, err := bystander.ReadMessage()
		assert.Error(t, err, "bystander should receive nothing")
	})
}

func TestWebSocket_CancelRun(t *testing.T) {
	srv, ts := newTestServer(t, &fakeQuerier{block: true})

	conn, auth := wsClient(t, ts, testSecret)
	require.True(t, auth.Success)
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "ask-1", Method: "ask", Params: map[string]interface{}{"query": "q"}}))

	var started frame
	readJSON(t, conn, &started)
	require.Equal(t, "run.started", started.Event)
	require.Eventually(t, func() bool {
		srv.runsMu.Lock()
		defer srv.runsMu.Unlock()
		_, ok := srv.runs[started.RunID]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	out := postJSON(t, ts.URL+"/rpc", testSecret, RPCRequest{
		ID:     "c1",
		Method: "ask.cancel",
		Params: map[string]interface{}{"run_id": started.RunID},
	})
	var cancelResp RPCResponse
	require.NoError(t, json.NewDecoder(out.Body).Decode(&cancelResp))
	require.Nil(t, cancelResp.Error)

	for {
		var f frame
		readJSON(t, conn, &f)
		if f.ID != "ask-1" {
			continue
		}
		require.NotNil(t, f.Error)
		assert.Equal(t, InternalError, f.Error.Code)
		assert.Contains(t, f.Error.Message, "context canceled")
		break
	}

	again := postJSON(t, ts.URL+"/rpc", testSecret, RPCRequest{
		ID:     "c2",
		Method: "ask.cancel",
		Params: map[string]interface{}{"run_id": started.RunID},
	})
	var againResp RPCResponse
	require.NoError(t, json.NewDecoder(again.Body).Decode(&againResp))
	require.NotNil(t, againResp.Error)
	assert.Equal(t, NotFound, againResp.Error.Code)
}

func TestServer_StartStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	q := &fakeQuerier{block: true}
	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         port,
		SharedSecret: testSecret,
		Querier:      q,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), srv.Addr())

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/v1/ask", strings.NewReader(`{"query":"q"}`))
		req.Header.Set(SecretHeader, testSecret)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	require.Eventually(t, func() bool {
		srv.runsMu.Lock()
		defer srv.runsMu.Unlock()
		return len(srv.runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case status := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, status)
	case <-time.After(2 * time.Second):
		t.Fatal("query was not cancelled by Stop")
	}
}
