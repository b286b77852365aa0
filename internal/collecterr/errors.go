// Package collecterr defines the error taxonomy shared between the
// orchestration core and the arena collector workers. Collection errors
// are classified so the orchestrator can decide between retrying a task,
// rotating a credential, or failing the task outright.
package collecterr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCredentialAvailable is returned by the credential pool when every
	// credential for a (platform, tier) is inactive, circuit-open, or
	// quota-exhausted. Workers treat this as an empty cycle, not a failure —
	// a credential usually becomes available again at the next quota reset.
	ErrNoCredentialAvailable = errors.New("no credential available")

	// ErrInsufficientCredit is returned when a launch would exceed the
	// user's available credit balance. The launch is rejected before any
	// run or task is created.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrSlotTimeout is returned by the rate limiter when no slot became
	// free within the caller's timeout.
	ErrSlotTimeout = errors.New("rate limit slot acquisition timed out")
)

// CollectionError is the generic, retryable arena collection failure.
// Rate-limit and auth failures wrap it with more specific types below.
type CollectionError struct {
	Arena    string
	Platform string
	Message  string
	Err      error
}

func (e *CollectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("collection failed for %s: %s: %v", e.Arena, e.Message, e.Err)
	}
	return fmt.Sprintf("collection failed for %s: %s", e.Arena, e.Message)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// RateLimitError indicates the external provider rejected a request for
// rate reasons. RetryAfter, when set, is the provider's authoritative
// backoff and overrides any internally computed wait.
type RateLimitError struct {
	Arena      string
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s, retry after %s", e.Platform, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited on %s", e.Platform)
}

// AuthError indicates the external provider rejected the credential
// itself. It triggers the credential circuit breaker and rotation to an
// alternate credential before the task is allowed to fail.
type AuthError struct {
	Platform     string
	CredentialID string
	Err          error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed on %s (credential %s): %v", e.Platform, e.CredentialID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ReservationError wraps a credit reservation failure that is not a plain
// balance shortfall (lock contention, storage failure). The launch is
// rejected; no partial admission occurs.
type ReservationError struct {
	UserID string
	Err    error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("credit reservation failed for user %s: %v", e.UserID, e.Err)
}

func (e *ReservationError) Unwrap() error { return e.Err }

// Retryable reports whether a task failure should be retried under the
// orchestrator's backoff policy. Rate-limit and generic collection errors
// are retryable; auth errors are not (the credential layer already rotated
// before the failure surfaced), and neither are unclassified errors.
func Retryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return false
	}
	var ce *CollectionError
	return errors.As(err, &ce)
}

// RetryAfter extracts the provider-mandated backoff from err, or zero when
// the error carries none.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
