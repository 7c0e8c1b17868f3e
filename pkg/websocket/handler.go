package websocket

import "context"

// HandlerFunc processes one inbound request message and returns the
// reply to write back, or nil when the action produces no reply.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to handlers by action name. All
// registration happens during setup, before clients connect, so the map
// is read without locking afterwards.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc binds a handler to an action, replacing any previous one.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch invokes the handler for the message's action. An unknown
// action yields an error reply rather than a dropped message, so
// clients with a version skew get a diagnostic instead of silence.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}
