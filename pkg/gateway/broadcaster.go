package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers server events to websocket clients. Lifecycle
// events go to every authenticated client; node events of a run go only to
// the client that asked the query.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64

	mu        sync.RWMutex
	followers map[string]string
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients:   clients,
		logger:    logger,
		followers: make(map[string]string),
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{
		Event:  event,
		Stream: StreamTypeLifecycle,
		Data:   data,
	})
}

// BroadcastTyped sends a typed stream event with sequence metadata
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg = b.stamp(msg)
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendTo delivers msg to one client
func (b *EventBroadcaster) SendTo(clientID string, msg EventMessage) error {
	client, ok := b.clients.Get(clientID)
	if !ok {
		return nil
	}
	return client.WriteJSON(b.stamp(msg))
}

// Follow streams the node events of runID to clientID until the returned
// function is called
func (b *EventBroadcaster) Follow(runID, clientID string) func() {
	b.mu.Lock()
	b.followers[runID] = clientID
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.followers, runID)
		b.mu.Unlock()
	}
}

// Observe is an orchestrator.Observer. Events of runs nobody follows are
// dropped.
func (b *EventBroadcaster) Observe(evt orchestrator.Event) {
	b.mu.RLock()
	clientID, ok := b.followers[evt.RunID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	msg := EventMessage{
		Event:  "node",
		Stream: StreamTypeNode,
		Phase:  string(evt.Node),
		RunID:  evt.RunID,
		Expert: evt.Expert,
		Data: NodeEvent{
			Step:        evt.Step,
			Node:        string(evt.Node),
			Destination: string(evt.Destination),
			Scope:       evt.Scope,
			Message:     evt.Message,
		},
	}
	if err := b.SendTo(clientID, msg); err != nil {
		b.logger.Warn().
			Err(err).
			Str("clientId", clientID).
			Str("run_id", evt.RunID).
			Msg("Failed to stream node event")
	}
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
