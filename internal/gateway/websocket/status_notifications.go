package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/grievance/ids"
	ws "github.com/gunaso/gunaso/pkg/websocket"
)

// StatusBroadcaster bridges the shared event bus to connected clients:
// every status frame published to status.<room> — by a worker in this
// process or any other — is forwarded to the room's subscribers.
type StatusBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterStatusNotifications subscribes the hub to all status rooms.
func RegisterStatusNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *StatusBroadcaster {
	b := &StatusBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-status-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.StatusSubject(">"), b.onFrame)
	if err != nil {
		b.logger.Error("Failed to subscribe to status subjects", zap.Error(err))
		return b
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// onFrame forwards one bus event to its room. The event type carries
// the channel (status_update or status_update:<operation>), which
// becomes the notification action.
func (b *StatusBroadcaster) onFrame(ctx context.Context, event *bus.Event) error {
	room := roomForEvent(event)
	if room == "" {
		return nil
	}

	action := event.Type
	if action == "" {
		action = ws.ActionStatusUpdate
	}

	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		b.logger.Error("Failed to build status notification", zap.Error(err))
		return nil
	}
	b.hub.BroadcastToRoom(room, msg)
	return nil
}

// roomForEvent recovers the frame's room. Frames address themselves:
// the room is the accessible grievance id or the session id.
func roomForEvent(event *bus.Event) string {
	if event.Data == nil {
		return ""
	}
	if gid, ok := event.Data["grievance_id"].(string); ok && ids.IsAccessible(gid) {
		return gid
	}
	if sid, ok := event.Data["session_id"].(string); ok && sid != "" {
		return sid
	}
	return ""
}

// Close tears down the bus subscription.
func (b *StatusBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}
