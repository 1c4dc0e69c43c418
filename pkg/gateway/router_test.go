package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constHandler(v interface{}) RequestHandler {
	return func(context.Context, map[string]interface{}) (interface{}, error) { return v, nil }
}

func TestRPCRouter_Methods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	require.NoError(t, router.RegisterMethod("runs.list", constHandler(nil)))
	require.NoError(t, router.RegisterMethod("ask", constHandler("first")))
	require.NoError(t, router.RegisterMethod("ask", constHandler("second")))
	assert.Equal(t, []string{"ask", "runs.list"}, router.GetMethods())

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "ask"})
	assert.Equal(t, "second", resp.Result)

	router.UnregisterMethod("runs.list")
	router.UnregisterMethod("never.registered")
	assert.False(t, router.HasMethod("runs.list"))
	assert.True(t, router.HasMethod("ask"))

	err := router.RegisterMethod("nil", nil)
	assert.ErrorContains(t, err, "handler cannot be nil")
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	req, err := router.ParseRequest([]byte(`{"id":"7","method":"ask","params":{"query":"top anime"}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", req.ID)
	assert.Equal(t, "ask", req.Method)
	assert.Equal(t, "top anime", req.Params["query"])
	assert.Equal(t, "2.0", req.JSONRPC)

	bad := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"missing id", `{"method":"ask"}`, InvalidRequest, "missing id"},
		{"missing method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(_ context.Context, p map[string]interface{}) (interface{}, error) {
		return p["query"], nil
	}))
	require.NoError(t, router.RegisterMethod("boom", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("upstream failed")
	}))

	t.Run("should return handler result with request ID", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "echo", Params: map[string]interface{}{"query": "hi"}})
		assert.Equal(t, "a", resp.ID)
		assert.Equal(t, "2.0", resp.JSONRPC)
		assert.Equal(t, "hi", resp.Result)
		assert.Nil(t, resp.Error)
	})

	t.Run("should report unknown methods", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Equal(t, "b", resp.ID)
	})

	t.Run("should wrap plain errors as internal", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "boom"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "upstream failed", resp.Error.Message)
	})

	t.Run("should reject a nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_TypedErrors(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("runs.get", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("lookup: %w", &RPCError{Code: NotFound, Message: "run not found"})
	}))

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "runs.get"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
	assert.Equal(t, "run not found", resp.Error.Message)
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("ask", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient")
		}
		return calls, nil
	}))

	t.Run("should not cache failures", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "ask", IdempotencyKey: "k"})
		require.NotNil(t, resp.Error)

		resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "ask", IdempotencyKey: "k"})
		assert.Nil(t, resp.Error)
		assert.Equal(t, 2, resp.Result)
	})

	t.Run("should replay a cached success with the new request ID", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "ask", IdempotencyKey: "k"})
		assert.Equal(t, "3", resp.ID)
		assert.Equal(t, 2, resp.Result)
		assert.Equal(t, 2, calls)
	})

	t.Run("should run again without a key", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "ask"})
		assert.Equal(t, 3, resp.Result)
	})
}
