package api

import (
	"context"

	"github.com/yoga-python/coding-projects-todo/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	CreateTask(ctx context.Context, ownerID, title string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	// ToggleTask returns nil without an error when the task does not exist.
	ToggleTask(ctx context.Context, ownerID, taskID string) (*domain.Task, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper makes task creation safe to retry with the same idempotency key.
type Deduper interface {
	// Claim reserves the key and returns true if it was not seen before.
	Claim(ctx context.Context, userID, key string) (bool, error)
	// Lookup returns the task recorded for the key, or nil while the key is
	// unknown or still being processed.
	Lookup(ctx context.Context, userID, key string) (*domain.Task, error)
	// Remember records the task created under a claimed key.
	Remember(ctx context.Context, userID, key string, task domain.Task) error
	// Release drops a claimed key, used when the create fails.
	Release(ctx context.Context, userID, key string) error
}
