// Package statusbus publishes per-room task status frames to connected
// clients. It is backed by the shared event bus so a worker in any
// process can reach a client attached to any web server.
package statusbus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/grievance/ids"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// DefaultChannel is used when a frame carries no recognized operation.
const DefaultChannel = "status_update"

// Publisher delivers status frames to bus rooms.
type Publisher interface {
	PublishFrame(ctx context.Context, frame *v1.StatusFrame) error
}

// BusPublisher publishes frames directly onto the event bus.
type BusPublisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBusPublisher creates a publisher on the shared event bus.
func NewBusPublisher(eventBus bus.EventBus, log *logger.Logger) *BusPublisher {
	return &BusPublisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "status-bus")),
	}
}

// RoomFor derives the frame's room. Accessible sessions key by
// grievance id (suffix -A); bot sessions key by the client session id.
// An empty room means the frame is not routed.
func RoomFor(frame *v1.StatusFrame) string {
	if frame.GrievanceID != "" && ids.IsAccessible(frame.GrievanceID) {
		return frame.GrievanceID
	}
	if frame.SessionID != "" {
		return frame.SessionID
	}
	return ""
}

// ChannelFor derives the frame's channel: status_update:<operation>
// when the frame's data carries a recognized operation, else the
// default channel.
func ChannelFor(frame *v1.StatusFrame) string {
	if frame.Data == nil {
		return DefaultChannel
	}
	op, _ := frame.Data["operation"].(string)
	if op == "" {
		if field, ok := frame.Data["field_name"].(string); ok {
			op = operationForField(field)
		}
	}
	if v1.KnownOperation(op) {
		return DefaultChannel + ":" + op
	}
	return DefaultChannel
}

// operationForField maps well-known produced field names to their
// pipeline operation.
func operationForField(field string) string {
	switch field {
	case "grievance_description", "automated_transcript":
		return v1.OpTranscription
	case "grievance_category", "grievance_summary":
		return v1.OpClassification
	case "complainant_phone", "complainant_email", "complainant_name":
		return v1.OpContactInfo
	case "translated_text":
		return v1.OpTranslation
	}
	return ""
}

// PublishFrame publishes a frame to its room. Frames for bot-sourced
// grievances are skipped: the conversational runtime polls task status
// instead of subscribing.
func (p *BusPublisher) PublishFrame(ctx context.Context, frame *v1.StatusFrame) error {
	if frame.GrievanceID != "" && !ids.IsAccessible(frame.GrievanceID) {
		p.logger.Debug("Skipping status frame for bot session",
			zap.String("grievance_id", frame.GrievanceID),
			zap.String("task_name", frame.TaskName))
		return nil
	}

	room := RoomFor(frame)
	if room == "" {
		p.logger.Debug("Status frame has no addressable room",
			zap.String("task_name", frame.TaskName),
			zap.String("status", frame.Status))
		return nil
	}

	data, err := frameData(frame)
	if err != nil {
		return err
	}

	event := bus.NewEvent(ChannelFor(frame), "status-bus", data)
	if err := p.bus.Publish(ctx, events.StatusSubject(room), event); err != nil {
		return fmt.Errorf("publish status frame to room %s: %w", room, err)
	}

	p.logger.Debug("Published status frame",
		zap.String("room", room),
		zap.String("task_name", frame.TaskName),
		zap.String("status", frame.Status))
	return nil
}

// frameData flattens the frame into event data for the bus.
func frameData(frame *v1.StatusFrame) (map[string]interface{}, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal status frame: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("flatten status frame: %w", err)
	}
	return data, nil
}

// DecodeFrame rebuilds a status frame from bus event data.
func DecodeFrame(event *bus.Event) (*v1.StatusFrame, error) {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	var frame v1.StatusFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode status frame: %w", err)
	}
	return &frame, nil
}
