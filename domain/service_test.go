package domain

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

type fakeStore struct {
	findAllFn       func(ctx context.Context) ([]Task, error)
	insertFn        func(ctx context.Context, title string) (Task, error)
	findAndUpdateFn func(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	findAndDeleteFn func(ctx context.Context, id string) (bool, error)
}

func (s *fakeStore) FindAll(ctx context.Context) ([]Task, error) {
	if s.findAllFn == nil {
		return nil, errors.New("unexpected FindAll call")
	}
	return s.findAllFn(ctx)
}

func (s *fakeStore) Insert(ctx context.Context, title string) (Task, error) {
	if s.insertFn == nil {
		return Task{}, errors.New("unexpected Insert call")
	}
	return s.insertFn(ctx, title)
}

func (s *fakeStore) FindAndUpdate(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	if s.findAndUpdateFn == nil {
		return nil, errors.New("unexpected FindAndUpdate call")
	}
	return s.findAndUpdateFn(ctx, id, patch)
}

func (s *fakeStore) FindAndDelete(ctx context.Context, id string) (bool, error) {
	if s.findAndDeleteFn == nil {
		return false, errors.New("unexpected FindAndDelete call")
	}
	return s.findAndDeleteFn(ctx, id)
}

// effectRecorder tracks the order of post-commit side effects across the
// cache, publisher and broadcaster fakes.
type effectRecorder struct {
	effects []string
}

type fakeCache struct {
	rec      *effectRecorder
	snapshot []Task
	valid    bool
}

func (c *fakeCache) Get(context.Context) ([]Task, bool) {
	if !c.valid {
		return nil, false
	}
	return c.snapshot, true
}

func (c *fakeCache) Set(_ context.Context, tasks []Task) {
	c.snapshot = tasks
	c.valid = true
	if c.rec != nil {
		c.rec.effects = append(c.rec.effects, "set")
	}
}

func (c *fakeCache) Invalidate(context.Context) {
	c.snapshot = nil
	c.valid = false
	if c.rec != nil {
		c.rec.effects = append(c.rec.effects, "invalidate")
	}
}

type fakePublisher struct {
	rec    *effectRecorder
	events []TaskEvent
	err    error
}

func (p *fakePublisher) Emit(_ context.Context, ev TaskEvent) error {
	if p.rec != nil {
		p.rec.effects = append(p.rec.effects, "emit")
	}
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type fakeBroadcaster struct {
	rec    *effectRecorder
	events []TaskEvent
}

func (b *fakeBroadcaster) Broadcast(ev TaskEvent) {
	if b.rec != nil {
		b.rec.effects = append(b.rec.effects, "broadcast")
	}
	b.events = append(b.events, ev)
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestListAllCacheHitSkipsStore(t *testing.T) {
	cached := []Task{{ID: "t1", Title: "cached"}}
	cache := &fakeCache{snapshot: cached, valid: true}
	svc := NewTaskService(&fakeStore{}, cache, &fakePublisher{}, &fakeBroadcaster{}, quietLogger())

	tasks, err := svc.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(tasks, cached) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestListAllMissPopulatesCache(t *testing.T) {
	stored := []Task{{ID: "t1", Title: "stored"}}
	var calls int
	store := &fakeStore{
		findAllFn: func(context.Context) ([]Task, error) {
			calls++
			return append([]Task(nil), stored...), nil
		},
	}
	cache := &fakeCache{}
	svc := NewTaskService(store, cache, &fakePublisher{}, &fakeBroadcaster{}, quietLogger())

	tasks, err := svc.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(tasks, stored) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if !cache.valid || !reflect.DeepEqual(cache.snapshot, stored) {
		t.Fatalf("cache should hold the fresh snapshot: %#v", cache.snapshot)
	}

	if _, err := svc.ListAll(context.Background()); err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single store read, got %d", calls)
	}
}

func TestListAllStoreFailure(t *testing.T) {
	store := &fakeStore{
		findAllFn: func(context.Context) ([]Task, error) {
			return nil, errors.New("table unreachable")
		},
	}
	svc := NewTaskService(store, &fakeCache{}, &fakePublisher{}, &fakeBroadcaster{}, quietLogger())

	if _, err := svc.ListAll(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCreateTaskRejectsBlankTitle(t *testing.T) {
	store := &fakeStore{} // any store call fails the test
	cache := &fakeCache{snapshot: []Task{{ID: "t1"}}, valid: true}
	svc := NewTaskService(store, cache, &fakePublisher{}, &fakeBroadcaster{}, quietLogger())

	for _, title := range []string{"", "   ", "\t\n"} {
		if _, err := svc.CreateTask(context.Background(), title); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("title %q: expected ErrInvalidInput, got %v", title, err)
		}
	}
	if !cache.valid {
		t.Fatal("rejected create must not touch the cache")
	}
}

func TestCreateTaskPostCommitPipeline(t *testing.T) {
	rec := &effectRecorder{}
	created := Task{ID: "t1", Title: "buy milk", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	store := &fakeStore{
		insertFn: func(_ context.Context, title string) (Task, error) {
			if title != "buy milk" {
				t.Fatalf("unexpected title: %q", title)
			}
			return created, nil
		},
	}
	cache := &fakeCache{rec: rec, snapshot: []Task{}, valid: true}
	pub := &fakePublisher{rec: rec}
	hub := &fakeBroadcaster{rec: rec}
	svc := NewTaskService(store, cache, pub, hub, quietLogger())

	task, err := svc.CreateTask(context.Background(), "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" || task.Completed {
		t.Fatalf("unexpected task: %+v", task)
	}

	want := []string{"invalidate", "emit", "broadcast"}
	if !reflect.DeepEqual(rec.effects, want) {
		t.Fatalf("expected effect order %v, got %v", want, rec.effects)
	}
	if len(pub.events) != 1 || pub.events[0].Operation != OpCreate {
		t.Fatalf("unexpected published events: %#v", pub.events)
	}
	if pub.events[0].Task == nil || pub.events[0].Task.ID != created.ID {
		t.Fatalf("create event must carry the full task: %#v", pub.events[0])
	}
	if len(hub.events) != 1 || hub.events[0].Operation != OpCreate {
		t.Fatalf("unexpected broadcast events: %#v", hub.events)
	}
}

func TestCreateTaskPublishFailureDoesNotFailOperation(t *testing.T) {
	store := &fakeStore{
		insertFn: func(_ context.Context, title string) (Task, error) {
			return Task{ID: "t1", Title: title}, nil
		},
	}
	hub := &fakeBroadcaster{}
	svc := NewTaskService(store, &fakeCache{}, &fakePublisher{err: errors.New("queue down")}, hub, quietLogger())

	task, err := svc.CreateTask(context.Background(), "resilient")
	if err != nil {
		t.Fatalf("create must succeed despite publish failure: %v", err)
	}
	if task.ID != "t1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(hub.events) != 1 {
		t.Fatalf("broadcast must still happen, got %d events", len(hub.events))
	}
}

func TestUpdateTaskNotFoundHasNoSideEffects(t *testing.T) {
	store := &fakeStore{
		findAndUpdateFn: func(context.Context, string, TaskPatch) (*Task, error) {
			return nil, nil
		},
	}
	cache := &fakeCache{snapshot: []Task{{ID: "t1"}}, valid: true}
	pub := &fakePublisher{}
	hub := &fakeBroadcaster{}
	svc := NewTaskService(store, cache, pub, hub, quietLogger())

	title := "x"
	_, err := svc.UpdateTask(context.Background(), "nonexistent-id", TaskPatch{Title: &title})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if !cache.valid {
		t.Fatal("cache must remain untouched on a failed update")
	}
	if len(pub.events) != 0 || len(hub.events) != 0 {
		t.Fatal("no events may be emitted on a failed update")
	}
}

func TestUpdateTaskEventCarriesOnlyPatch(t *testing.T) {
	completed := true
	updated := Task{ID: "t1", Title: "buy milk", Completed: true}
	store := &fakeStore{
		findAndUpdateFn: func(_ context.Context, id string, patch TaskPatch) (*Task, error) {
			if id != "t1" {
				t.Fatalf("unexpected id: %s", id)
			}
			return &updated, nil
		},
	}
	pub := &fakePublisher{}
	svc := NewTaskService(store, &fakeCache{}, pub, &fakeBroadcaster{}, quietLogger())

	task, err := svc.UpdateTask(context.Background(), "t1", TaskPatch{Completed: &completed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !task.Completed || task.ID != "t1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Operation != OpUpdate || ev.TaskID != "t1" {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if ev.Task != nil {
		t.Fatal("update event must not carry the full record")
	}
	if ev.Patch == nil || ev.Patch.Completed == nil || !*ev.Patch.Completed || ev.Patch.Title != nil {
		t.Fatalf("update event must carry only the patch fields: %#v", ev.Patch)
	}
}

func TestDeleteTaskIdempotent(t *testing.T) {
	existing := true
	store := &fakeStore{
		findAndDeleteFn: func(context.Context, string) (bool, error) {
			was := existing
			existing = false
			return was, nil
		},
	}
	pub := &fakePublisher{}
	hub := &fakeBroadcaster{}
	svc := NewTaskService(store, &fakeCache{}, pub, hub, quietLogger())

	first, err := svc.DeleteTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if !first {
		t.Fatal("first delete should report true")
	}

	second, err := svc.DeleteTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if second {
		t.Fatal("second delete should report false")
	}
	if len(pub.events) != 1 || len(hub.events) != 1 {
		t.Fatalf("only the first delete may emit an event, got %d/%d", len(pub.events), len(hub.events))
	}
	ev := pub.events[0]
	if ev.Operation != OpDelete || ev.TaskID != "t1" || ev.Task != nil || ev.Patch != nil {
		t.Fatalf("unexpected delete event: %#v", ev)
	}
}

// memoryStore backs the lifecycle test with real insert/update/delete
// semantics.
type memoryStore struct {
	seq   int
	tasks []Task
}

func (m *memoryStore) FindAll(context.Context) ([]Task, error) {
	return append([]Task(nil), m.tasks...), nil
}

func (m *memoryStore) Insert(_ context.Context, title string) (Task, error) {
	m.seq++
	now := time.Now().UTC()
	task := Task{ID: "task-" + strconv.Itoa(m.seq), Title: title, CreatedAt: now, UpdatedAt: now}
	m.tasks = append(m.tasks, task)
	return task, nil
}

func (m *memoryStore) FindAndUpdate(_ context.Context, id string, patch TaskPatch) (*Task, error) {
	for i := range m.tasks {
		if m.tasks[i].ID != id {
			continue
		}
		if patch.Title != nil {
			m.tasks[i].Title = *patch.Title
		}
		if patch.Completed != nil {
			m.tasks[i].Completed = *patch.Completed
		}
		m.tasks[i].UpdatedAt = m.tasks[i].UpdatedAt.Add(time.Millisecond)
		task := m.tasks[i]
		return &task, nil
	}
	return nil, nil
}

func (m *memoryStore) FindAndDelete(_ context.Context, id string) (bool, error) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewTaskService(&memoryStore{}, &fakeCache{}, &fakePublisher{}, &fakeBroadcaster{}, quietLogger())

	task, err := svc.CreateTask(ctx, "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" || task.Completed {
		t.Fatalf("unexpected created task: %+v", task)
	}

	tasks, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("created task missing from listing: %#v", tasks)
	}

	completed := true
	updated, err := svc.UpdateTask(ctx, task.ID, TaskPatch{Completed: &completed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Completed || updated.ID != task.ID {
		t.Fatalf("unexpected updated task: %+v", updated)
	}
	if updated.UpdatedAt.Before(task.UpdatedAt) {
		t.Fatal("UpdatedAt must not move backwards")
	}

	tasks, err = svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("list after update: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].Completed {
		t.Fatalf("listing must reflect the update: %#v", tasks)
	}

	deleted, err := svc.DeleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("delete should report true")
	}

	tasks, err = svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("deleted task still listed: %#v", tasks)
	}
}
