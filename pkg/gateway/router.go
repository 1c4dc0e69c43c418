package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	jsonRPCVersion = "2.0"
	replayTTL      = 5 * time.Minute
)

// RequestHandler handles one RPC method call
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter dispatches JSON-RPC requests to registered handlers.
// A successful response to a request carrying an idempotency key is replayed
// for retries of the same method and key until it expires.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replays *replayCache
}

// NewRPCRouter creates an empty router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: newReplayCache(replayTTL),
	}
}

// RegisterMethod binds name to handler, replacing any previous binding
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// GetMethods returns the registered method names in sorted order
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// ParseRequest decodes data and checks the fields every request needs
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = jsonRPCVersion
	}
	return &req, nil
}

// RouteRequest runs the handler for req and wraps its outcome. It never
// returns nil.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return failure("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if resp, ok := r.replays.get(key); ok {
		resp.ID = req.ID
		return &resp
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		return failure(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		return failure(req.ID, rpcErr)
	}

	resp := &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	r.replays.put(key, *resp)
	return resp
}

func failure(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: rpcErr}
}

func replayKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + "\x00" + idempotencyKey
}

// replayCache holds successful responses by replay key. Expired entries are
// swept on every insert.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]replayEntry
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, entries: make(map[string]replayEntry)}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	if key == "" {
		return RPCResponse{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.resp, true
}

func (c *replayCache) put(key string, resp RPCResponse) {
	if key == "" {
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	// only successes are stored, so there is no error pointer to share
	c.entries[key] = replayEntry{resp: resp, expires: now.Add(c.ttl)}
}
