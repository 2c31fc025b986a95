package domain

const (
	TaskCreated = "task-created"
	TaskToggled = "task-toggled"
)

// TaskEvent is published after a task write has been persisted.
type TaskEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
	Done   bool   `json:"done"`
	Time   int64  `json:"time"`
}
