package models

import "time"

// Credit transaction statuses. A transaction is created pending (a
// reservation) and is settled or refunded exactly once.
const (
	TransactionPending  = "pending"
	TransactionSettled  = "settled"
	TransactionRefunded = "refunded"
)

// CreditAllocation grants an amount of credits to a user, valid over
// [ValidFrom, ValidUntil]. Allocations are created by administrators and
// never mutated afterwards.
type CreditAllocation struct {
	ID         string
	UserID     string
	Amount     float64
	ValidFrom  time.Time
	ValidUntil time.Time
	Note       *string
	CreatedAt  time.Time
}

// ActiveAt reports whether the allocation is within its validity window.
func (a *CreditAllocation) ActiveAt(t time.Time) bool {
	return !t.Before(a.ValidFrom) && !t.After(a.ValidUntil)
}

// CreditTransaction records a reservation, settlement, or refund tied to a
// run. At most one transaction exists per run (enforced by a unique
// constraint on run_id).
type CreditTransaction struct {
	ID        string
	RunID     string
	UserID    string
	Amount    float64
	Status    string
	CreatedAt time.Time
	SettledAt *time.Time
}
