package models

import "time"

// Collection run modes.
const (
	ModeBatch = "batch"
	ModeLive  = "live"
)

// Collection run statuses. Transitions are monotonic except the
// running ⇄ suspended cycle, which is permitted in live mode only.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSuspended = "suspended"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// CollectionRun is one execution of a query design.
type CollectionRun struct {
	ID                string
	QueryDesignID     string
	UserID            string
	Mode              string
	Status            string
	Tier              string
	RequestedResults  int
	DateFrom          *time.Time // batch mode only
	DateTo            *time.Time
	EstimatedCredits  float64
	CreditsSpent      float64
	RecordsCollected  int
	DuplicatesSkipped int
	ErrorMessage      *string
	SuspendedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Terminal reports whether the run status is terminal.
func (r *CollectionRun) Terminal() bool {
	return RunStatusTerminal(r.Status)
}

// RunStatusTerminal reports whether a status string is terminal.
func RunStatusTerminal(status string) bool {
	switch status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanSuspend reports whether the run may move to suspended: live mode only,
// from running.
func (r *CollectionRun) CanSuspend() bool {
	return r.Mode == ModeLive && r.Status == RunRunning
}

// CanResume reports whether the run may return to running.
func (r *CollectionRun) CanResume() bool {
	return r.Status == RunSuspended
}
