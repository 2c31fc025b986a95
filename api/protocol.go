package api

import "github.com/yoga-python/coding-projects-todo/domain"

const (
	createTaskMaxSize = 16 * 1024 // 16 KiB

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// POST /api/tasks request body
type createTaskRequest struct {
	Title string `json:"title"`
}

// GET /api/tasks response body
type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}
