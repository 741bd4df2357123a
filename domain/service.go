package domain

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TaskStore is the durable record store. It owns identity assignment and
// timestamps.
type TaskStore interface {
	FindAll(ctx context.Context) ([]Task, error)
	Insert(ctx context.Context, title string) (Task, error)
	// FindAndUpdate returns nil, nil when no record with the given id exists.
	FindAndUpdate(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	// FindAndDelete reports whether a record was actually removed.
	FindAndDelete(ctx context.Context, id string) (bool, error)
}

// SnapshotCache holds the single collection snapshot. Implementations must
// degrade to always-miss on failure rather than returning errors.
type SnapshotCache interface {
	Get(ctx context.Context) ([]Task, bool)
	Set(ctx context.Context, tasks []Task)
	Invalidate(ctx context.Context)
}

// EventPublisher delivers mutation events to the durable broker,
// at-least-once. Callers treat failures as best-effort.
type EventPublisher interface {
	Emit(ctx context.Context, ev TaskEvent) error
}

// Broadcaster fans a mutation event out to live subscribers.
type Broadcaster interface {
	Broadcast(ev TaskEvent)
}

// TaskService orchestrates the record store, snapshot cache, event
// publisher and notification hub. It is the only component that mutates
// the record store.
type TaskService struct {
	store     TaskStore
	cache     SnapshotCache
	publisher EventPublisher
	hub       Broadcaster
	logger    *log.Logger
}

// NewTaskService wires a service from its collaborators.
func NewTaskService(store TaskStore, cache SnapshotCache, publisher EventPublisher, hub Broadcaster, logger *log.Logger) *TaskService {
	if store == nil {
		panic("domain.NewTaskService: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{store: store, cache: cache, publisher: publisher, hub: hub, logger: logger}
}

// ListAll returns the full task collection, serving from the snapshot cache
// when possible and repopulating it on a miss.
func (s *TaskService) ListAll(ctx context.Context) ([]Task, error) {
	if s.cache != nil {
		if tasks, ok := s.cache.Get(ctx); ok {
			s.audit("cacheHit", "", nil)
			return tasks, nil
		}
	}
	tasks, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, tasks)
	}
	s.audit("cacheMiss", "", nil)
	return tasks, nil
}

// CreateTask persists a new task and runs the invalidate/publish/broadcast
// sequence. Publish and broadcast failures never roll back the committed
// write.
func (s *TaskService) CreateTask(ctx context.Context, title string) (Task, error) {
	if strings.TrimSpace(title) == "" {
		return Task{}, ErrInvalidInput
	}
	task, err := s.store.Insert(ctx, title)
	if err != nil {
		return Task{}, storeUnavailable(err)
	}
	s.afterMutation(ctx, NewCreatedEvent(task))
	s.audit("create", task.ID, task)
	return task, nil
}

// UpdateTask applies a partial update. A missing record fails with
// ErrTaskNotFound and performs no side effects.
func (s *TaskService) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	task, err := s.store.FindAndUpdate(ctx, id, patch)
	if err != nil {
		return Task{}, storeUnavailable(err)
	}
	if task == nil {
		s.audit("updateFail", id, patch)
		return Task{}, ErrTaskNotFound
	}
	s.afterMutation(ctx, NewUpdatedEvent(id, patch))
	s.audit("update", id, patch)
	return *task, nil
}

// DeleteTask removes a task if present and reports whether anything was
// deleted. Deleting an absent id is idempotent success: no error, no event.
func (s *TaskService) DeleteTask(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.FindAndDelete(ctx, id)
	if err != nil {
		return false, storeUnavailable(err)
	}
	if !deleted {
		s.audit("deleteNoop", id, nil)
		return false, nil
	}
	s.afterMutation(ctx, NewDeletedEvent(id))
	s.audit("delete", id, nil)
	return true, nil
}

// afterMutation runs the post-commit pipeline: cache invalidation, durable
// publish, live broadcast. All three are contained: none of them can fail
// the operation.
func (s *TaskService) afterMutation(ctx context.Context, ev TaskEvent) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	if s.publisher != nil {
		if err := s.publisher.Emit(ctx, ev); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"operation": ev.Operation,
				"taskId":    ev.TaskID,
			}).Error("failed to publish task event")
		}
	}
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}

func (s *TaskService) audit(operation, taskID string, payload any) {
	s.logger.WithFields(log.Fields{
		"operation": operation,
		"taskId":    taskID,
		"payload":   payload,
	}).Info("tasks.audit")
}
