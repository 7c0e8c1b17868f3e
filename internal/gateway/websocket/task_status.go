package websocket

import (
	"context"
	"encoding/json"

	"github.com/gunaso/gunaso/internal/grievance/repository"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
	ws "github.com/gunaso/gunaso/pkg/websocket"
)

// taskStatusRequest is the payload for task.status.
type taskStatusRequest struct {
	TaskID string `json:"task_id"`
}

// RegisterTaskStatusHandler registers the task.status query. Bot
// sessions poll task state through it instead of joining a status room.
func RegisterTaskStatusHandler(d *ws.Dispatcher, repo repository.Repository) {
	d.RegisterFunc(ws.ActionTaskStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req taskStatusRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.TaskID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		}

		rec, err := repo.GetTaskRecord(ctx, req.TaskID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}

		var history []v1.RetryAttempt
		if len(rec.RetryHistory) > 0 {
			_ = json.Unmarshal(rec.RetryHistory, &history)
		}

		return ws.NewResponse(msg.ID, msg.Action, &v1.Task{
			TaskID:       rec.TaskID,
			TaskName:     rec.TaskName,
			StatusCode:   rec.StatusCode,
			StartedAt:    rec.StartedAt,
			CompletedAt:  rec.CompletedAt,
			RetryCount:   rec.RetryCount,
			RetryHistory: history,
			ErrorMessage: rec.ErrorMessage,
			Result:       json.RawMessage(rec.Result),
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	})
}
