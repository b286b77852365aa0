package orchestrator

import (
	"fmt"

	"github.com/research-collector/research-collector/internal/db/models"
)

// CompletionPolicy decides the terminal status of a run from its tasks'
// terminal statuses.
type CompletionPolicy string

const (
	// PolicyAnySuccess marks the run completed when at least one task
	// succeeded. Partial per-arena failure degrades that arena's
	// contribution without failing the run. This is the default.
	PolicyAnySuccess CompletionPolicy = "any-success"

	// PolicyAllSuccess marks the run completed only when every task
	// succeeded.
	PolicyAllSuccess CompletionPolicy = "all-success"
)

// Validate reports whether the policy names a known strategy.
func (p CompletionPolicy) Validate() error {
	switch p {
	case PolicyAnySuccess, PolicyAllSuccess:
		return nil
	}
	return fmt.Errorf("unknown completion policy %q", string(p))
}

// RunStatus computes the run's terminal status from its tasks. All tasks
// must already be terminal when this is called.
func (p CompletionPolicy) RunStatus(tasks []*models.CollectionTask) string {
	completed := 0
	for _, t := range tasks {
		if t.Status == models.TaskCompleted {
			completed++
		}
	}

	switch p {
	case PolicyAllSuccess:
		if completed == len(tasks) && len(tasks) > 0 {
			return models.RunCompleted
		}
		return models.RunFailed
	default: // any-success
		if completed > 0 {
			return models.RunCompleted
		}
		return models.RunFailed
	}
}
