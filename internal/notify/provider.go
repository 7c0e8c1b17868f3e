// Package notify delivers outbound notifications about grievance
// progress: push channels through apprise and SMS through an HTTP
// gateway.
package notify

import (
	"context"
)

// Message is one outbound notification.
type Message struct {
	GrievanceID string
	Phone       string // cleartext recipient number for SMS providers
	Title       string
	Body        string
	Config      map[string]interface{}
}

// Provider delivers messages over one channel.
type Provider interface {
	Available() bool
	Validate(config map[string]interface{}) error
	Send(ctx context.Context, message Message) error
}
