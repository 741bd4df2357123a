package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"tasks-api/domain"
)

// All tasks live in a single partition; the collection is small and is
// always read as a whole.
const tasksPartition = "tasks"

// Storage provides access to the durable task table.
type Storage struct {
	table *aztables.Client
	now   func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{table: svc.NewClient(tasksTable), now: time.Now}, nil
}

type taskEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	Completed bool   `json:"Completed"`
	CreatedAt int64  `json:"CreatedAt"`
	UpdatedAt int64  `json:"UpdatedAt"`
}

func (e taskEntity) toTask() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Completed: e.Completed,
		CreatedAt: time.UnixMilli(e.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(e.UpdatedAt).UTC(),
	}
}

// FindAll retrieves the full task collection ordered by creation time.
func (s *Storage) FindAll(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Insert persists a new task, assigning its id and timestamps.
func (s *Storage) Insert(ctx context.Context, title string) (domain.Task, error) {
	now := s.now().UTC().UnixMilli()
	ent := taskEntity{
		Entity:    aztables.Entity{PartitionKey: tasksPartition, RowKey: uuid.NewString()},
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return ent.toTask(), nil
}

// FindAndUpdate merges the patch into an existing task and returns the
// updated record, or nil if no record with the given id exists.
func (s *Storage) FindAndUpdate(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	resp, err := s.table.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	if patch.Title != nil {
		ent.Title = *patch.Title
	}
	if patch.Completed != nil {
		ent.Completed = *patch.Completed
	}
	// UpdatedAt never moves backwards even if the wall clock does.
	now := s.now().UTC().UnixMilli()
	if now <= ent.UpdatedAt {
		now = ent.UpdatedAt + 1
	}
	ent.UpdatedAt = now

	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	et := azcore.ETagAny
	if _, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	}); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	task := ent.toTask()
	return &task, nil
}

// FindAndDelete removes a task if present and reports whether it existed.
func (s *Storage) FindAndDelete(ctx context.Context, id string) (bool, error) {
	if _, err := s.table.DeleteEntity(ctx, tasksPartition, id, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
