package models

import "time"

// Collection task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// CollectionTask is one arena's contribution to a run. Once a task reaches
// a terminal status its counts never change; the orchestrator enforces
// this on every update.
type CollectionTask struct {
	ID                string
	RunID             string
	Arena             string
	Platform          string
	Status            string
	RecordsCollected  int
	DuplicatesSkipped int
	ActorsSkipped     int
	RetryCount        int
	ErrorMessage      *string
	WorkerRef         *string // opaque worker-task handle
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

// Terminal reports whether the task status is terminal.
func (t *CollectionTask) Terminal() bool {
	return TaskStatusTerminal(t.Status)
}

// TaskStatusTerminal reports whether a status string is terminal.
func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}
