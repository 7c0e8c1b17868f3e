// Package events defines event types and subjects for the Gunaso event system.
package events

// Event types for task lifecycle transitions.
const (
	TaskStarted  = "task.started"
	TaskSuccess  = "task.success"
	TaskFailed   = "task.failed"
	TaskRetrying = "task.retrying"
)

// Event types for grievance state.
const (
	GrievanceSubmitted = "grievance.submitted"
	GrievanceUpdated   = "grievance.updated"
)

// Subject prefixes. Status frames travel on status.<room> so any worker
// process can reach subscribers attached to any web server.
const (
	StatusSubjectPrefix = "status."
	TaskSubjectPrefix   = "gunaso.tasks."
)

// StatusSubject returns the bus subject for a status-bus room.
func StatusSubject(room string) string {
	return StatusSubjectPrefix + room
}

// TaskSubject returns the bus subject for a broker queue.
func TaskSubject(queue string) string {
	return TaskSubjectPrefix + queue
}
