package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventQueueLength         EventType = "queue.length"
	EventProcessingStarted   EventType = "processing.started"
	EventProcessingCompleted EventType = "processing.completed"
	EventProcessingFailed    EventType = "processing.failed"

	EventBatchCreated   EventType = "batch.created"
	EventBatchDelivered EventType = "batch.delivered"
	EventBatchFailed    EventType = "batch.failed"
	EventSignalDropped  EventType = "signal.dropped" // duplicate filtered in a buffer

	EventContextCompressed EventType = "context.compressed"
	EventMaintenanceTick   EventType = "maintenance.tick"

	EventRoutingFailed EventType = "routing.failed"
)

// Event is the envelope published on the event bus. These are in-process
// notifications for operational tooling, not a versioned wire protocol.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SignalID  string          `json:"signal_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for pipeline events.
// Publish never propagates handler failures back into the caller.
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
