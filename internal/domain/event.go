package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventMessageRouted fires after a successful route, once the task is
	// durable and the stats are updated.
	EventMessageRouted EventType = "message.routed"
	// EventMessageRejected fires when a duplicate message is refused.
	EventMessageRejected EventType = "message.rejected"
	// EventAgentReleased fires on an explicit workload release.
	EventAgentReleased EventType = "agent.released"
	// EventWorkloadSynced fires after a reconciliation pass.
	EventWorkloadSynced EventType = "workload.synced"
)

// Event is the envelope published on the event bus. MessageID and AgentID
// are set when the event concerns one; Payload carries the event-specific
// body.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
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
