// Package channels is the boundary between chat platforms and the session
// core. Adapters normalize platform updates into InboundMessage values and
// render OutboundEvent values back into platform messages.
package channels

import (
	"context"
	"strings"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Platform       string  `json:"platform"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Text           string  `json:"text"`
	Images         []Image `json:"images,omitempty"`
}

// Image is an image attached to an inbound message.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Empty reports whether the message carries neither text nor images.
func (m InboundMessage) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Images) == 0
}

// DispatchFunc routes an inbound channel message into the session manager.
type DispatchFunc func(ctx context.Context, msg InboundMessage) error

// Channel is one chat platform adapter (telegram, gateway, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
	// Deliver renders ev into the conversation identified by conversationID.
	Deliver(ctx context.Context, conversationID string, ev OutboundEvent) error
}

// Sink accepts outbound events addressed by platform and conversation.
type Sink interface {
	Deliver(ctx context.Context, platform, conversationID string, ev OutboundEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, platform, conversationID string, ev OutboundEvent) error

func (f SinkFunc) Deliver(ctx context.Context, platform, conversationID string, ev OutboundEvent) error {
	return f(ctx, platform, conversationID, ev)
}
