package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

const (
	edmInt64          = "Edm.Int64"
	maxToggleAttempts = 5
)

// ErrConcurrencyConflict indicates that the task kept changing underneath a
// toggle until the retry budget ran out.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage persists tasks in an Azure table partitioned by owner and
// announces writes on an optional queue.
type Storage struct {
	taskTable  tableClient
	eventQueue queueClient
	logger     *log.Logger
	now        func() time.Time
	newID      func() string
}

// New creates a Storage instance from the given connection string. An empty
// eventsQueue disables change notifications.
func New(connStr, tasksTable, eventsQueue string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
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
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := newStorage(svc.NewClient(tasksTable), nil, logger)
	if eventsQueue == "" {
		return s, nil
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	s.eventQueue = eq
	return s, nil
}

func newStorage(tasks tableClient, events queueClient, logger *log.Logger) *Storage {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Storage{
		taskTable:  tasks,
		eventQueue: events,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Done          bool   `json:"Done"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
}

type taskDoneUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Done         bool   `json:"Done"`
}

func (e taskEntity) toTask() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Done:      e.Done,
		OwnerID:   e.PartitionKey,
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
	}
}

// CreateTask stores a new open task for the owner and returns it with the
// generated id and creation time.
func (s *Storage) CreateTask(ctx context.Context, ownerID, title string) (domain.Task, error) {
	title, err := domain.NormalizeTitle(title)
	if err != nil {
		return domain.Task{}, err
	}
	ent := taskEntity{
		PartitionKey:  ownerID,
		RowKey:        s.newID(),
		Title:         title,
		Done:          false,
		CreatedAt:     s.now().UTC().UnixNano(),
		CreatedAtType: edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, fmt.Errorf("add task: %w", err)
	}
	task := ent.toTask()
	s.publish(ctx, domain.TaskCreated, task)
	return task, nil
}

// ListTasks retrieves all tasks for the provided owner.
func (s *Storage) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := ownerFilter(ownerID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	return tasks, nil
}

// ToggleTask flips the done flag of the owner's task. It returns nil without
// an error when the task does not exist.
func (s *Storage) ToggleTask(ctx context.Context, ownerID, taskID string) (*domain.Task, error) {
	for attempt := 1; ; attempt++ {
		resp, err := s.taskTable.GetEntity(ctx, ownerID, taskID, nil)
		if err != nil {
			if hasStatus(err, http.StatusNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("get task %s: %w", taskID, err)
		}
		var ent taskEntity
		if err := json.Unmarshal(resp.Value, &ent); err != nil {
			return nil, err
		}
		ent.Done = !ent.Done

		payload, err := json.Marshal(taskDoneUpdate{PartitionKey: ownerID, RowKey: taskID, Done: ent.Done})
		if err != nil {
			return nil, err
		}
		etag := resp.ETag
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		switch {
		case err == nil:
			task := ent.toTask()
			s.publish(ctx, domain.TaskToggled, task)
			return &task, nil
		case hasStatus(err, http.StatusNotFound):
			return nil, nil
		case hasStatus(err, http.StatusPreconditionFailed):
			if attempt >= maxToggleAttempts {
				return nil, fmt.Errorf("toggle task %s: %w", taskID, ErrConcurrencyConflict)
			}
			s.logger.WithFields(log.Fields{"task": taskID, "attempt": attempt}).Debug("task changed during toggle, retrying")
		default:
			return nil, fmt.Errorf("update task %s: %w", taskID, err)
		}
	}
}

func (s *Storage) publish(ctx context.Context, eventType string, task domain.Task) {
	if s.eventQueue == nil {
		return
	}
	ev := domain.TaskEvent{
		Type:   eventType,
		UserID: task.OwnerID,
		TaskID: task.ID,
		Done:   task.Done,
		Time:   s.now().UTC().UnixNano(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Error("marshal task event")
		return
	}
	if _, err := s.eventQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"task": task.ID, "type": eventType}).Warn("failed to publish task event")
	}
}

func ownerFilter(ownerID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(ownerID, "'", "''") + "'"
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
