package domain

import "time"

// Operation identifies the kind of mutation an event describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// TaskEvent records one committed mutation. Exactly one payload field is set
// depending on the operation: Task for create, Patch for update, neither for
// delete. Consumers switch on Operation to handle each case.
type TaskEvent struct {
	Operation Operation  `json:"operation"`
	TaskID    string     `json:"taskId"`
	Task      *Task      `json:"task,omitempty"`
	Patch     *TaskPatch `json:"patch,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// NewCreatedEvent builds the event for a freshly inserted task.
func NewCreatedEvent(task Task) TaskEvent {
	return TaskEvent{
		Operation: OpCreate,
		TaskID:    task.ID,
		Task:      &task,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewUpdatedEvent builds the event for an applied patch. The event carries
// only the changed fields, not the full record.
func NewUpdatedEvent(id string, patch TaskPatch) TaskEvent {
	return TaskEvent{
		Operation: OpUpdate,
		TaskID:    id,
		Patch:     &patch,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDeletedEvent builds the event for a removed task.
func NewDeletedEvent(id string) TaskEvent {
	return TaskEvent{
		Operation: OpDelete,
		TaskID:    id,
		Timestamp: time.Now().UnixMilli(),
	}
}
