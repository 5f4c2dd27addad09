package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans outbound events out to the clients subscribed to a
// conversation. Server-wide events go to every authenticated client.
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

// Broadcast sends a server event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := b.stamp(EventMessage{
		Event:  event,
		Stream: StreamTypeLifecycle,
		Data:   data,
	})
	b.send(msg, b.clients.GetAuthenticatedClients())
}

// Publish sends a conversation event to its subscribers. It returns the number
// of clients that received it.
func (b *EventBroadcaster) Publish(ctx context.Context, conversationID string, ev channels.OutboundEvent) int {
	msg := b.stamp(EventMessage{
		Event:        "chat." + string(ev.Kind),
		Stream:       streamFor(ev.Kind),
		Conversation: conversationID,
		TraceID:      tracing.GetTraceID(ctx),
		Data: ChatEvent{
			OutboundEvent: ev,
			Rendered:      channels.RenderText(ev),
		},
	})
	return b.send(msg, b.clients.Subscribers(conversationID))
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

func (b *EventBroadcaster) send(msg EventMessage, clients []*Client) int {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return 0
	}

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("conversation_id", msg.Conversation).
			Int64("seq", msg.Seq).
			Msg("No subscribed clients for event")
		return 0
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to send event to client")
			failureCount++
			continue
		}
		successCount++
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("conversation_id", msg.Conversation).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event sent")
	return successCount
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

func streamFor(kind channels.EventKind) StreamType {
	switch kind {
	case channels.KindTextChunk:
		return StreamTypeAssistant
	case channels.KindToolCallStatus:
		return StreamTypeTool
	case channels.KindPermissionPrompt:
		return StreamTypePermission
	default:
		return StreamTypeLifecycle
	}
}
