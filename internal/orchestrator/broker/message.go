// Package broker abstracts the message broker that carries task
// invocations. Tasks are buffered per queue in a local priority heap
// and dispatched onto the shared event bus, where queue-group
// subscribers in any worker process pick them up (at-least-once).
package broker

import (
	"encoding/json"
	"time"
)

// Message is the application-level payload carried on a broker queue.
type Message struct {
	TaskID   string          `json:"task_id"`
	TaskName string          `json:"task_name"`
	Queue    string          `json:"queue"`
	Priority int             `json:"priority"`
	Attempt  int             `json:"attempt"` // 0 on first delivery
	Payload  json.RawMessage `json:"payload"`

	// Chord bookkeeping. Set when the task is a member of a fan-out
	// group; the worker publishes the member's terminal envelope to the
	// group's collection subject after the lifecycle resolves.
	GroupID    string `json:"group_id,omitempty"`
	GroupIndex int    `json:"group_index,omitempty"`
	GroupSize  int    `json:"group_size,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler consumes one delivered message.
type Handler func(msg *Message)
