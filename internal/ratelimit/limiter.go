// Package ratelimit enforces per-key request ceilings shared by every
// worker process. Decisions are made against a shared counter store
// (Redis in production) so that all concurrent workers, regardless of
// host, observe the same budget for a given key. AcquireSlot is the only
// operation in the core that genuinely blocks a calling task: it
// poll-waits on the store without holding any in-process lock.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/telemetry"
)

// SlotStore decides whether one more call fits the sliding window for a
// key. Implementations must be safe for use from many processes at once.
type SlotStore interface {
	// Allow consumes one slot when the window has room. When it does not,
	// retryAfter is the store's estimate of when a slot frees up.
	Allow(ctx context.Context, key string, maxCalls int, window time.Duration) (ok bool, retryAfter time.Duration, err error)
}

// BackoffStore records provider-mandated backoff windows (HTTP 429
// Retry-After, flood-control durations). A recorded backoff overrides the
// limiter's own pacing for the key until it expires.
type BackoffStore interface {
	SetBackoff(ctx context.Context, key string, d time.Duration) error
	BackoffRemaining(ctx context.Context, key string) (time.Duration, error)
}

// Limiter coordinates slot acquisition for all workers sharing a store.
type Limiter struct {
	slots   SlotStore
	backoff BackoffStore
}

// New creates a Limiter over the given stores.
func New(slots SlotStore, backoff BackoffStore) *Limiter {
	return &Limiter{slots: slots, backoff: backoff}
}

// PlatformKey builds the default limiter key, scoped per (platform, tier).
func PlatformKey(platform, tier string) string {
	return fmt.Sprintf("rl:%s:%s", platform, tier)
}

// CredentialKey builds a per-credential limiter key, used for providers
// whose limits are issued per token rather than per service.
func CredentialKey(credentialID string) string {
	return "rl:cred:" + credentialID
}

// AcquireSlot blocks until a slot in the sliding window for key is free,
// or until timeout elapses (collecterr.ErrSlotTimeout) or ctx is
// cancelled. A provider backoff recorded for the key takes precedence
// over the window and is waited out the same way.
func (l *Limiter) AcquireSlot(ctx context.Context, key string, maxCalls int, window, timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		wait, err := l.nextWait(ctx, key, maxCalls, window)
		if err != nil {
			return err
		}
		if wait <= 0 {
			telemetry.RateLimitWaitDuration.WithLabelValues(keyScope(key)).Observe(time.Since(start).Seconds())
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			telemetry.RateLimitTimeoutsTotal.WithLabelValues(keyScope(key)).Inc()
			return fmt.Errorf("%w: key %s after %s", collecterr.ErrSlotTimeout, key, timeout)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextWait returns how long the caller must wait before the next attempt:
// zero means a slot was consumed and the caller may proceed.
func (l *Limiter) nextWait(ctx context.Context, key string, maxCalls int, window time.Duration) (time.Duration, error) {
	if l.backoff != nil {
		remaining, err := l.backoff.BackoffRemaining(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("backoff lookup: %w", err)
		}
		if remaining > 0 {
			return remaining, nil
		}
	}

	ok, retryAfter, err := l.slots.Allow(ctx, key, maxCalls, window)
	if err != nil {
		return 0, fmt.Errorf("slot store: %w", err)
	}
	if ok {
		return 0, nil
	}
	if retryAfter <= 0 {
		// The store gave no estimate; poll at a fraction of the window.
		retryAfter = window / time.Duration(maxCalls)
		if retryAfter < 50*time.Millisecond {
			retryAfter = 50 * time.Millisecond
		}
	}
	return retryAfter, nil
}

// ReportBackoff records a provider's explicit backoff signal for key. The
// duration becomes the authoritative retry_after for every worker sharing
// the key.
func (l *Limiter) ReportBackoff(ctx context.Context, key string, d time.Duration) error {
	if l.backoff == nil || d <= 0 {
		return nil
	}
	return l.backoff.SetBackoff(ctx, key, d)
}

func keyScope(key string) string {
	if len(key) > 8 && key[:8] == "rl:cred:" {
		return "credential"
	}
	return "platform"
}
