package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Room subscription actions
	ActionStatusSubscribe   = "status.subscribe"
	ActionStatusUnsubscribe = "status.unsubscribe"

	// Task status queries
	ActionTaskStatus = "task.status"

	// Notification actions (server -> client). Specialized channels are
	// suffixed with the operation, e.g. status_update:classification.
	ActionStatusUpdate = "status_update"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
