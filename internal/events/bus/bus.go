// Package bus defines the event transport the orchestrator and the
// status gateway communicate over. Task dispatch, chord completion and
// status frames all travel as Events on subjects; the concrete carrier
// is either in-process channels (unified mode) or NATS (split mode).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for everything published on the bus. Data
// carries the payload as loose JSON; typed decoding happens at the
// subscriber (broker messages, status frames, chord results).
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh envelope with a UUID and a UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returning an error logs
// the failure at the transport; it does not trigger redelivery, so
// handlers that need retries (task execution) manage their own.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus. Subjects
// use NATS conventions throughout, including * and > wildcards, so the
// two carriers are interchangeable.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every matching event to the handler.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each matching event to exactly one member
	// of the named queue group. Worker pools consume task queues this way.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
