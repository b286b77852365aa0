// Package credentials implements the credential pool: the single
// authority for which external-API secret a collection task uses at any
// moment. Durable credential state (the encrypted payload, error streaks,
// active flag) lives in Postgres; fast-expiring state (usage counters,
// cooldown flags) lives in the shared counter store so every worker sees
// the same circuit decisions. Payloads are decrypted only here, for the
// duration of a lease.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/crypto"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/telemetry"
)

// Store is the durable credential storage the pool runs against.
type Store interface {
	ListCandidates(ctx context.Context, platform, tier string, errorThreshold int) ([]*models.APICredential, error)
	GetByID(ctx context.Context, id string) (*models.APICredential, error)
	MarkUsed(ctx context.Context, id string) error
	RecordError(ctx context.Context, id string, auth bool) error
	RecordSuccess(ctx context.Context, id string) error
	ResetStreak(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id, reason string) error
}

// Lease is a live credential grant. The decrypted payload is only valid
// for the duration of the task that acquired it; callers must not persist
// it anywhere.
type Lease struct {
	CredentialID string
	Platform     string
	Tier         arena.Tier
	Payload      string
	// Synthetic marks a lease backed by process environment variables
	// rather than a provisioned database credential. Synthetic leases
	// carry no quota counters or circuit state.
	Synthetic bool
}

// Options carries the circuit-breaker tuning for the pool.
type Options struct {
	// ErrorThreshold is the consecutive non-auth error streak that opens
	// the cooldown circuit.
	ErrorThreshold int
	// AuthErrorThreshold is the consecutive auth-failure streak that
	// permanently deactivates a credential.
	AuthErrorThreshold int
	// Cooldown is how long an opened cooldown circuit stays open.
	Cooldown time.Duration
}

// Pool selects, leases, and health-tracks credentials.
type Pool struct {
	store    Store
	counters CounterStore
	cipher   *crypto.PayloadCipher
	registry *arena.Registry
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool creates a credential pool.
func NewPool(store Store, counters CounterStore, cipher *crypto.PayloadCipher, registry *arena.Registry, opts Options, logger *slog.Logger) *Pool {
	return &Pool{
		store:    store,
		counters: counters,
		cipher:   cipher,
		registry: registry,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire leases the healthiest available credential for (platform, tier).
// Candidates come back from storage best-first; the pool then applies the
// shared-state checks storage cannot see: cooldown circuits and quota
// counters. When no database credential qualifies it falls back to the
// process environment, and only then reports ErrNoCredentialAvailable.
func (p *Pool) Acquire(ctx context.Context, platform string, tier arena.Tier) (*Lease, error) {
	desc, ok := p.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}

	candidates, err := p.store.ListCandidates(ctx, platform, string(tier), p.opts.ErrorThreshold)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for %s/%s: %w", platform, tier, err)
	}

	reason := "exhausted"
	for _, cred := range candidates {
		cooling, err := p.counters.HasFlag(ctx, cooldownKey(cred.ID))
		if err != nil {
			return nil, fmt.Errorf("cooldown check for credential %s: %w", cred.ID, err)
		}
		if cooling {
			continue
		}

		exhausted, err := p.quotaExhausted(ctx, cred)
		if err != nil {
			return nil, err
		}
		if exhausted {
			continue
		}

		payload, err := p.cipher.Open(cred.EncryptedPayload)
		if err != nil {
			// A payload that no longer decrypts (key rotation gone wrong,
			// row corruption) is unusable; skip it rather than failing the
			// whole acquisition.
			p.logger.Error("credential payload failed to decrypt, skipping",
				"credential_id", cred.ID, "platform", platform, "error", err)
			reason = "decrypt"
			continue
		}

		if err := p.store.MarkUsed(ctx, cred.ID); err != nil {
			p.logger.Warn("failed to mark credential used", "credential_id", cred.ID, "error", err)
		}

		telemetry.CredentialAcquiresTotal.WithLabelValues(platform, string(tier)).Inc()
		return &Lease{
			CredentialID: cred.ID,
			Platform:     platform,
			Tier:         tier,
			Payload:      payload,
		}, nil
	}

	if payload := envPayload(desc, tier); payload != "" {
		telemetry.CredentialAcquiresTotal.WithLabelValues(platform, string(tier)).Inc()
		return &Lease{
			CredentialID: "env:" + platform,
			Platform:     platform,
			Tier:         tier,
			Payload:      payload,
			Synthetic:    true,
		}, nil
	}

	telemetry.CredentialAcquireFailuresTotal.WithLabelValues(platform, reason).Inc()
	return nil, fmt.Errorf("%w: platform %s tier %s", collecterr.ErrNoCredentialAvailable, platform, tier)
}

// ReportSuccess records a successful use of the lease: streaks reset and
// the quota counters advance.
func (p *Pool) ReportSuccess(ctx context.Context, lease *Lease) error {
	if lease.Synthetic {
		return nil
	}

	if err := p.store.RecordSuccess(ctx, lease.CredentialID); err != nil {
		return fmt.Errorf("recording success for credential %s: %w", lease.CredentialID, err)
	}

	now := p.now()
	if _, err := p.counters.Incr(ctx, dayKey(lease.CredentialID, now), dayCounterTTL); err != nil {
		return fmt.Errorf("incrementing day counter for credential %s: %w", lease.CredentialID, err)
	}
	if _, err := p.counters.Incr(ctx, monthKey(lease.CredentialID, now), monthCounterTTL); err != nil {
		return fmt.Errorf("incrementing month counter for credential %s: %w", lease.CredentialID, err)
	}
	return nil
}

// ReportError records a failed use of the lease and advances the circuit
// breaker. Auth failures walk the auth streak toward permanent
// deactivation; other failures walk the error streak toward a cooldown
// circuit that closes again on its own.
func (p *Pool) ReportError(ctx context.Context, lease *Lease, cause error) error {
	if lease.Synthetic {
		return nil
	}

	var authErr *collecterr.AuthError
	auth := errors.As(cause, &authErr)

	if err := p.store.RecordError(ctx, lease.CredentialID, auth); err != nil {
		return fmt.Errorf("recording error for credential %s: %w", lease.CredentialID, err)
	}

	cred, err := p.store.GetByID(ctx, lease.CredentialID)
	if err != nil {
		return fmt.Errorf("loading credential %s after error: %w", lease.CredentialID, err)
	}
	if cred == nil {
		return nil
	}

	if auth && cred.ConsecutiveAuthErrors >= p.opts.AuthErrorThreshold {
		if err := p.store.Deactivate(ctx, cred.ID, models.DisabledReasonAuth); err != nil {
			return fmt.Errorf("deactivating credential %s: %w", cred.ID, err)
		}
		telemetry.CredentialCircuitOpensTotal.WithLabelValues(lease.Platform, "auth").Inc()
		p.logger.Warn("credential deactivated after repeated auth failures",
			"credential_id", cred.ID, "platform", lease.Platform,
			"consecutive_auth_errors", cred.ConsecutiveAuthErrors)
		return nil
	}

	if cred.ConsecutiveErrors >= p.opts.ErrorThreshold {
		if err := p.counters.SetFlag(ctx, cooldownKey(cred.ID), p.opts.Cooldown); err != nil {
			return fmt.Errorf("setting cooldown for credential %s: %w", cred.ID, err)
		}
		// The streak is cleared now so the credential comes back healthy
		// when the cooldown flag expires.
		if err := p.store.ResetStreak(ctx, cred.ID); err != nil {
			return fmt.Errorf("resetting streak for credential %s: %w", cred.ID, err)
		}
		telemetry.CredentialCircuitOpensTotal.WithLabelValues(lease.Platform, "cooldown").Inc()
		p.logger.Info("credential entering cooldown",
			"credential_id", cred.ID, "platform", lease.Platform,
			"cooldown", p.opts.Cooldown)
	}

	return nil
}

// Usage returns the current day and month usage counters for a credential.
func (p *Pool) Usage(ctx context.Context, credentialID string) (day, month int64, err error) {
	now := p.now()
	day, err = p.counters.Get(ctx, dayKey(credentialID, now))
	if err != nil {
		return 0, 0, err
	}
	month, err = p.counters.Get(ctx, monthKey(credentialID, now))
	if err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

// quotaExhausted checks the credential's day/month counters against its
// configured quotas. A nil quota means unlimited.
func (p *Pool) quotaExhausted(ctx context.Context, cred *models.APICredential) (bool, error) {
	now := p.now()

	if cred.DailyQuota != nil {
		used, err := p.counters.Get(ctx, dayKey(cred.ID, now))
		if err != nil {
			return false, fmt.Errorf("day counter for credential %s: %w", cred.ID, err)
		}
		if used >= int64(*cred.DailyQuota) {
			return true, nil
		}
	}

	if cred.MonthlyQuota != nil {
		used, err := p.counters.Get(ctx, monthKey(cred.ID, now))
		if err != nil {
			return false, fmt.Errorf("month counter for credential %s: %w", cred.ID, err)
		}
		if used >= int64(*cred.MonthlyQuota) {
			return true, nil
		}
	}

	return false, nil
}
