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
	EventConnOpened   EventType = "conn.opened"
	EventConnClosed   EventType = "conn.closed"
	EventRoleAssigned EventType = "conn.role.assigned"
	EventRoleConflict EventType = "conn.role.conflict"

	// Worker presence events.
	EventWorkerAttached EventType = "worker.attached"
	EventWorkerDetached EventType = "worker.detached"

	// Call routing events.
	EventCallRouted   EventType = "call.routed"
	EventCallResolved EventType = "call.resolved"
	EventCallFailed   EventType = "call.failed"

	// Launcher events.
	EventProcessStarted   EventType = "process.started"
	EventProcessCompleted EventType = "process.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ConnID    string          `json:"conn_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
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
