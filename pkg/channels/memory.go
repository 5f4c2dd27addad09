package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryChannel is an in-process channel. It records every delivered event and
// lets callers inject inbound messages, which makes it the channel used by
// tests and by local tooling that drives the core directly.
type MemoryChannel struct {
	name string

	mu        sync.Mutex
	dispatch  DispatchFunc
	delivered map[string][]OutboundEvent
	notify    chan struct{}
}

// NewMemoryChannel creates a memory channel by name.
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{
		name:      strings.TrimSpace(name),
		delivered: make(map[string][]OutboundEvent),
		notify:    make(chan struct{}),
	}
}

// Name returns channel name.
func (c *MemoryChannel) Name() string {
	return c.name
}

// Start validates dispatcher availability.
func (c *MemoryChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	c.dispatch = dispatch
	c.mu.Unlock()
	return nil
}

// Stop is a no-op for memory channels.
func (c *MemoryChannel) Stop(_ context.Context) error {
	return nil
}

// Send injects an inbound text message as if it arrived from the platform.
func (c *MemoryChannel) Send(ctx context.Context, conversationID, senderID, text string) error {
	return c.Dispatch(ctx, InboundMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
	})
}

// Dispatch injects msg. Platform is always set to the channel name.
func (c *MemoryChannel) Dispatch(ctx context.Context, msg InboundMessage) error {
	c.mu.Lock()
	dispatch := c.dispatch
	c.mu.Unlock()
	if dispatch == nil {
		return fmt.Errorf("channel %q is not started", c.name)
	}
	msg.Platform = c.name
	return dispatch(ctx, msg)
}

// Deliver records ev for conversationID.
func (c *MemoryChannel) Deliver(_ context.Context, conversationID string, ev OutboundEvent) error {
	c.mu.Lock()
	c.delivered[conversationID] = append(c.delivered[conversationID], ev)
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// Events returns a copy of the events delivered to conversationID.
func (c *MemoryChannel) Events(conversationID string) []OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundEvent(nil), c.delivered[conversationID]...)
}

// WaitFor blocks until match accepts the events delivered to conversationID
// or ctx is done. It returns the events seen at that point.
func (c *MemoryChannel) WaitFor(ctx context.Context, conversationID string, match func([]OutboundEvent) bool) ([]OutboundEvent, error) {
	for {
		c.mu.Lock()
		events := append([]OutboundEvent(nil), c.delivered[conversationID]...)
		notify := c.notify
		c.mu.Unlock()

		if match(events) {
			return events, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// Contains reports whether events holds an event of kind.
func Contains(events []OutboundEvent, kind EventKind) bool {
	return Count(events, kind) > 0
}

// Count returns how many events of kind events holds.
func Count(events []OutboundEvent, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
