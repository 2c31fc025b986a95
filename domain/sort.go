package domain

import "sort"

// SortTasks returns a copy of tasks ordered for display: open tasks first,
// then completed ones, each group oldest first. Ties on the creation time fall
// back to the id so repeated sorts always agree. Duplicate ids are kept.
func SortTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return taskLess(out[i], out[j])
	})
	return out
}

func taskLess(a, b Task) bool {
	if a.Done != b.Done {
		return !a.Done
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
