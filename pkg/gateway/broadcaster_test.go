package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_BroadcastTypedAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.BroadcastTyped(EventMessage{
		Event:   "run",
		Stream:  StreamTypeLifecycle,
		Phase:   "start",
		Data:    map[string]interface{}{"query": "top anime?"},
		TraceID: "trace-1",
		RunID:   "run-1",
	})
	broadcaster.BroadcastTyped(EventMessage{
		Event:   "run",
		Stream:  StreamTypeLifecycle,
		Phase:   "end",
		Data:    map[string]interface{}{"steps": 7},
		TraceID: "trace-1",
		RunID:   "run-1",
	})

	var first EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "run", first.Event)
	assert.Equal(t, StreamTypeLifecycle, first.Stream)
	assert.Equal(t, "start", first.Phase)
	assert.NotZero(t, first.Seq)
	assert.Equal(t, "trace-1", first.TraceID)
	assert.Equal(t, "run-1", first.RunID)

	assert.Equal(t, "event", second.Type)
	assert.Equal(t, "run", second.Event)
	assert.Equal(t, StreamTypeLifecycle, second.Stream)
	assert.Equal(t, "end", second.Phase)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_BroadcastAssignsTypeAndSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("server.shutdown", map[string]interface{}{"ok": true})

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))

	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "server.shutdown", event.Event)
	assert.Equal(t, StreamTypeLifecycle, event.Stream)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}

func TestEventBroadcaster_ObserveFollowsRun(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "asker", Conn: serverConn, Authenticated: true})
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	// not followed yet: dropped
	broadcaster.Observe(orchestrator.Event{RunID: "run-1", Step: 1, Node: orchestrator.NodeRouter})

	unfollow := broadcaster.Follow("run-1", "asker")
	broadcaster.Observe(orchestrator.Event{
		RunID:       "run-1",
		Step:        2,
		Node:        orchestrator.NodeExpert,
		Expert:      "Anime",
		Destination: agent.DestExpert,
		Scope:       session.ScopeScratchpad,
		Message:     session.Message{Role: session.RoleAssistant, Name: "Anime", Content: "looking up rankings"},
	})
	// other runs are not forwarded
	broadcaster.Observe(orchestrator.Event{RunID: "run-2", Step: 1, Node: orchestrator.NodeRouter})
	unfollow()
	broadcaster.Observe(orchestrator.Event{RunID: "run-1", Step: 3, Node: orchestrator.NodeTools})

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))
	assert.Equal(t, "node", event.Event)
	assert.Equal(t, StreamTypeNode, event.Stream)
	assert.Equal(t, "expert", event.Phase)
	assert.Equal(t, "Anime", event.Expert)
	assert.Equal(t, "run-1", event.RunID)

	data := event.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["step"])
	assert.Equal(t, "scratchpad", data["scope"])

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err, "only the followed event should arrive")
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
