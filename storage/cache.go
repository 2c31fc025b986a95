package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yoga-python/coding-projects-todo/domain"
)

type backend interface {
	CreateTask(ctx context.Context, ownerID, title string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	ToggleTask(ctx context.Context, ownerID, taskID string) (*domain.Task, error)
}

// Cache wraps a backend with a Redis-backed copy of each owner's task list.
// Writes go straight to the backend and evict the owner's entry.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL turns caching off.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, ownerID); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, ownerID, tasks)
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, ownerID, title string) (domain.Task, error) {
	task, err := c.base.CreateTask(ctx, ownerID, title)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerID)
	return task, nil
}

func (c *Cache) ToggleTask(ctx context.Context, ownerID, taskID string) (*domain.Task, error) {
	task, err := c.base.ToggleTask(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, ownerID)
	return task, nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, ownerID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, ownerID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(ownerID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}
