package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Worker lifecycle events.
	EventWorkerStarted   EventType = "worker.started"
	EventWorkerLive      EventType = "worker.live"
	EventWorkerStopping  EventType = "worker.stopping"
	EventWorkerExited    EventType = "worker.exited"
	EventWorkerRestarted EventType = "worker.restarted"

	// Session events.
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	// Synchronization events.
	EventMessageReceived   EventType = "message.received"
	EventMessageSent       EventType = "message.sent"
	EventConnectionChanged EventType = "connection.changed"
	EventContactsRefreshed EventType = "contacts.refreshed"

	// Call signaling events.
	EventCallIncoming  EventType = "call.incoming"
	EventCallDisplayed EventType = "call.displayed"
	EventCallCleared   EventType = "call.cleared"

	// Notification events.
	EventNotificationAdded   EventType = "notification.added"
	EventNotificationRemoved EventType = "notification.removed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event stamped with the current time. A payload that
// cannot be marshalled is dropped.
func NewEvent(eventType EventType, payload any) Event {
	evt := Event{Type: eventType, Timestamp: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
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
