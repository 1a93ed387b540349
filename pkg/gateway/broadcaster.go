package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers server events. Lifecycle events go to every
// authenticated client; tool chunks go only to the client that started
// the stream. Sequence numbers are shared across both.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends a typed event to all authenticated clients.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	data, ok := b.encode(&msg)
	if !ok {
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

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

// SendTo delivers one event to a single client.
func (b *EventBroadcaster) SendTo(client *Client, msg EventMessage) error {
	data, ok := b.encode(&msg)
	if !ok {
		return nil
	}
	return client.WriteMessage(websocket.TextMessage, data)
}

func (b *EventBroadcaster) encode(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("execution_id", msg.ExecutionID).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return nil, false
	}
	return data, true
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
