package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Connection lifecycle events.
	EventConnStateChanged EventType = "conn.state.changed"
	EventConnError        EventType = "conn.error"

	// Agent turn events.
	EventTurnStarted   EventType = "turn.started"
	EventTurnCommitted EventType = "turn.committed"
	EventTurnFailed    EventType = "turn.failed"

	// Background session bookkeeping.
	EventSessionUnread EventType = "session.unread"

	// Device credential events.
	EventTokenRotated EventType = "device.token.rotated"
	EventTokenRevoked EventType = "device.token.revoked"

	// Pairing flow events.
	EventPairingRequested EventType = "pairing.requested"
	EventPairingResolved  EventType = "pairing.resolved"

	// Gateway discovery events.
	EventGatewayDiscovered EventType = "gateway.discovered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionKey string          `json:"session_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
