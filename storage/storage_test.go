package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

type fakeRow struct {
	value []byte
	etag  int
}

type fakeTable struct {
	mu        sync.Mutex
	rows      map[string]fakeRow
	pageSize  int
	conflicts int
	listErr   error
	addErr    error
	filters   []string
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]fakeRow{}, pageSize: 2}
}

func rowKey(pk, rk string) string { return pk + "/" + rk }

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return aztables.AddEntityResponse{}, f.addErr
	}
	var ent taskEntity
	if err := json.Unmarshal(entity, &ent); err != nil {
		return aztables.AddEntityResponse{}, err
	}
	k := rowKey(ent.PartitionKey, ent.RowKey)
	if _, exists := f.rows[k]; exists {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict}
	}
	f.rows[k] = fakeRow{value: entity, etag: 1}
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(pk, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	return aztables.GetEntityResponse{ETag: azcore.ETag(strconv.Itoa(row.etag)), Value: row.value}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var upd taskDoneUpdate
	if err := json.Unmarshal(entity, &upd); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	k := rowKey(upd.PartitionKey, upd.RowKey)
	row, ok := f.rows[k]
	if !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	if f.conflicts > 0 {
		f.conflicts--
		row.etag++
		f.rows[k] = row
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	if options == nil || options.IfMatch == nil || string(*options.IfMatch) != strconv.Itoa(row.etag) {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	var ent taskEntity
	if err := json.Unmarshal(row.value, &ent); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	ent.Done = upd.Done
	data, _ := json.Marshal(ent)
	f.rows[k] = fakeRow{value: data, etag: row.etag + 1}
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	filter := ""
	if opts != nil && opts.Filter != nil {
		filter = *opts.Filter
	}
	f.filters = append(f.filters, filter)
	var matched [][]byte
	for k, row := range f.rows {
		pk := k[:strings.Index(k, "/")]
		if filter == ownerFilter(pk) {
			matched = append(matched, row.value)
		}
	}
	listErr := f.listErr
	pageSize := f.pageSize
	f.mu.Unlock()

	offset := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return offset < len(matched) },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			if listErr != nil {
				return aztables.ListEntitiesResponse{}, listErr
			}
			end := offset + pageSize
			if end > len(matched) {
				end = len(matched)
			}
			page := aztables.ListEntitiesResponse{Entities: matched[offset:end]}
			offset = end
			return page, nil
		},
	})
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (q *fakeQueue) EnqueueMessage(ctx context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return azqueue.EnqueueMessagesResponse{}, q.err
	}
	q.messages = append(q.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func newTestStorage(table *fakeTable, queue *fakeQueue) *Storage {
	var q queueClient
	if queue != nil {
		q = queue
	}
	s := newStorage(table, q, log.New())
	ids := 0
	s.newID = func() string {
		ids++
		return "t" + strconv.Itoa(ids)
	}
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestCreateTaskAssignsIDAndTimestamp(t *testing.T) {
	table := newFakeTable()
	queue := &fakeQueue{}
	s := newTestStorage(table, queue)

	task, err := s.CreateTask(context.Background(), "u1", "  Buy milk ")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != "t1" || task.Title != "Buy milk" || task.Done || task.OwnerID != "u1" {
		t.Fatalf("unexpected task: %#v", task)
	}
	if task.CreatedAt.IsZero() {
		t.Fatalf("expected creation time to be set")
	}
	if len(queue.messages) != 1 {
		t.Fatalf("expected 1 event, got %d", len(queue.messages))
	}
	var ev domain.TaskEvent
	if err := json.Unmarshal([]byte(queue.messages[0]), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != domain.TaskCreated || ev.TaskID != "t1" || ev.UserID != "u1" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestCreateTaskRejectsEmptyTitle(t *testing.T) {
	s := newTestStorage(newFakeTable(), nil)
	if _, err := s.CreateTask(context.Background(), "u1", "   "); !errors.Is(err, domain.ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestCreateTaskPropagatesTableError(t *testing.T) {
	table := newFakeTable()
	table.addErr = errors.New("table down")
	queue := &fakeQueue{}
	s := newTestStorage(table, queue)

	if _, err := s.CreateTask(context.Background(), "u1", "x"); err == nil {
		t.Fatalf("expected error")
	}
	if len(queue.messages) != 0 {
		t.Fatalf("no event expected on failed write")
	}
}

func TestListTasksPagesAndFiltersByOwner(t *testing.T) {
	table := newFakeTable()
	s := newTestStorage(table, nil)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c"} {
		if _, err := s.CreateTask(ctx, "u1", title); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := s.CreateTask(ctx, "u2", "other"); err != nil {
		t.Fatalf("create: %v", err)
	}

	tasks, err := s.ListTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.OwnerID != "u1" {
			t.Fatalf("task from another owner: %#v", task)
		}
	}
}

func TestListTasksEmptyOwner(t *testing.T) {
	s := newTestStorage(newFakeTable(), nil)
	tasks, err := s.ListTasks(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if tasks == nil || len(tasks) != 0 {
		t.Fatalf("expected empty slice, got %#v", tasks)
	}
}

func TestListTasksPropagatesError(t *testing.T) {
	table := newFakeTable()
	s := newTestStorage(table, nil)
	if _, err := s.CreateTask(context.Background(), "u1", "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	table.listErr = errors.New("network")
	if _, err := s.ListTasks(context.Background(), "u1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOwnerFilterEscapesQuotes(t *testing.T) {
	if got := ownerFilter("o'brien"); got != "PartitionKey eq 'o''brien'" {
		t.Fatalf("unexpected filter %q", got)
	}
}

func TestToggleTaskFlipsDone(t *testing.T) {
	table := newFakeTable()
	queue := &fakeQueue{}
	s := newTestStorage(table, queue)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	toggled, err := s.ToggleTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if toggled == nil || !toggled.Done || toggled.ID != created.ID {
		t.Fatalf("unexpected toggle result: %#v", toggled)
	}
	if !toggled.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("creation time changed: %v vs %v", toggled.CreatedAt, created.CreatedAt)
	}

	again, err := s.ToggleTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if again.Done {
		t.Fatalf("expected task to be reopened")
	}
	if len(queue.messages) != 3 {
		t.Fatalf("expected 3 events, got %d", len(queue.messages))
	}
}

func TestToggleTaskSoftMiss(t *testing.T) {
	s := newTestStorage(newFakeTable(), nil)
	task, err := s.ToggleTask(context.Background(), "u1", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task for missing id, got %#v", task)
	}
}

func TestToggleTaskOtherOwnerIsSoftMiss(t *testing.T) {
	s := newTestStorage(newFakeTable(), nil)
	created, err := s.CreateTask(context.Background(), "u1", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := s.ToggleTask(context.Background(), "u2", created.ID)
	if err != nil || task != nil {
		t.Fatalf("expected soft miss, got %#v, %v", task, err)
	}
}

func TestToggleTaskRetriesOnPreconditionFailed(t *testing.T) {
	table := newFakeTable()
	s := newTestStorage(table, nil)
	created, err := s.CreateTask(context.Background(), "u1", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	table.conflicts = 2

	task, err := s.ToggleTask(context.Background(), "u1", created.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if task == nil || !task.Done {
		t.Fatalf("expected done task, got %#v", task)
	}
}

func TestToggleTaskGivesUpAfterRepeatedConflicts(t *testing.T) {
	table := newFakeTable()
	s := newTestStorage(table, nil)
	created, err := s.CreateTask(context.Background(), "u1", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	table.conflicts = maxToggleAttempts

	if _, err := s.ToggleTask(context.Background(), "u1", created.ID); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	queue := &fakeQueue{err: errors.New("queue down")}
	s := newTestStorage(newFakeTable(), queue)
	if _, err := s.CreateTask(context.Background(), "u1", "a"); err != nil {
		t.Fatalf("expected write to succeed, got %v", err)
	}
}
