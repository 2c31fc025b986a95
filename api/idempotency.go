package api

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/yoga-python/coding-projects-todo/domain"
)

// pendingMarker is stored under a claimed key until the create finishes.
const pendingMarker = "-"

// RedisDeduper stores idempotency keys in Redis so a retried create returns
// the task produced by the first attempt on any instance.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Claim records the key if it does not already exist.
func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), pendingMarker, r.ttl).Result()
}

// Lookup returns the task remembered for the key.
func (r *RedisDeduper) Lookup(ctx context.Context, userID, key string) (*domain.Task, error) {
	data, err := r.client.Get(ctx, r.key(userID, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == pendingMarker {
		return nil, nil
	}
	var task domain.Task
	if err := sonic.UnmarshalString(data, &task); err != nil {
		return nil, fmt.Errorf("decode remembered task: %w", err)
	}
	return &task, nil
}

// Remember stores the created task under a claimed key.
func (r *RedisDeduper) Remember(ctx context.Context, userID, key string, task domain.Task) error {
	data, err := sonic.MarshalString(task)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID, key), data, r.ttl).Err()
}

// Release deletes a claimed key so the caller may retry the request.
func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
