package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/credentials"
	"github.com/research-collector/research-collector/internal/ratelimit"
)

// LeaseBroker is the credential pool surface the worker lease endpoints
// drive.
type LeaseBroker interface {
	Acquire(ctx context.Context, platform string, tier arena.Tier) (*credentials.Lease, error)
	ReportSuccess(ctx context.Context, lease *credentials.Lease) error
	ReportError(ctx context.Context, lease *credentials.Lease, cause error) error
}

// SlotLimiter is the rate limiter surface the lease endpoints drive.
type SlotLimiter interface {
	AcquireSlot(ctx context.Context, key string, maxCalls int, window, timeout time.Duration) error
	ReportBackoff(ctx context.Context, key string, d time.Duration) error
}

// LeaseHandlers serves the worker lease endpoints: acquire a credential
// plus a rate-limit slot before calling a provider, and report the
// outcome afterwards so circuit and quota state stay current.
//
// These endpoints hand decrypted credential payloads to callers. They are
// internal-only for the same reason the task callback is: the worker
// network is trusted, the public ingress is not.
type LeaseHandlers struct {
	pool     LeaseBroker
	limiter  SlotLimiter
	registry *arena.Registry
	logger   *slog.Logger
}

// NewLeaseHandlers creates the worker lease handlers.
func NewLeaseHandlers(pool LeaseBroker, limiter SlotLimiter, registry *arena.Registry, logger *slog.Logger) *LeaseHandlers {
	return &LeaseHandlers{pool: pool, limiter: limiter, registry: registry, logger: logger}
}

type acquireLeaseRequest struct {
	Platform       string  `json:"platform" binding:"required"`
	Tier           string  `json:"tier" binding:"required"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type leaseResponse struct {
	CredentialID string `json:"credential_id"`
	Platform     string `json:"platform"`
	Tier         string `json:"tier"`
	Payload      string `json:"payload"`
	Synthetic    bool   `json:"synthetic"`
	RateLimitKey string `json:"rate_limit_key"`
}

// limiterKey picks the slot key for a lease: per-credential for providers
// that enforce limits per token, per-(platform, tier) otherwise.
// Synthetic leases always use the platform scope.
func limiterKey(desc *arena.Descriptor, lease *credentials.Lease) string {
	if desc.LimitPerCredential && !lease.Synthetic {
		return ratelimit.CredentialKey(lease.CredentialID)
	}
	return ratelimit.PlatformKey(lease.Platform, string(lease.Tier))
}

// AcquireLease leases a credential for (platform, tier) and blocks for a
// rate-limit slot under the arena's ceiling. A pool with nothing healthy
// to offer is 503; a slot that never freed within the timeout is 429 with
// the timeout as the retry hint.
func (h *LeaseHandlers) AcquireLease(c *gin.Context) {
	var req acquireLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	desc, ok := h.registry.Get(req.Platform)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + req.Platform})
		return
	}
	tier := arena.Tier(req.Tier)
	if !desc.SupportsTier(tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform " + req.Platform + " does not offer tier " + req.Tier})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	lease, err := h.pool.Acquire(c.Request.Context(), req.Platform, tier)
	if err != nil {
		if errors.Is(err, collecterr.ErrNoCredentialAvailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("credential acquire failed", "platform", req.Platform, "tier", req.Tier, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acquire credential"})
		return
	}

	key := limiterKey(desc, lease)
	limit := desc.Limit(tier)
	if err := h.limiter.AcquireSlot(c.Request.Context(), key, limit.MaxCalls, limit.Window, timeout); err != nil {
		if errors.Is(err, collecterr.ErrSlotTimeout) {
			c.Header("Retry-After", strconv.Itoa(int(timeout.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("slot acquire failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acquire rate-limit slot"})
		return
	}

	c.JSON(http.StatusOK, leaseResponse{
		CredentialID: lease.CredentialID,
		Platform:     lease.Platform,
		Tier:         string(lease.Tier),
		Payload:      lease.Payload,
		Synthetic:    lease.Synthetic,
		RateLimitKey: key,
	})
}

type reportLeaseRequest struct {
	CredentialID string `json:"credential_id" binding:"required"`
	Platform     string `json:"platform" binding:"required"`
	Tier         string `json:"tier" binding:"required"`
	Synthetic    bool   `json:"synthetic"`
	// Outcome is success or error.
	Outcome           string  `json:"outcome" binding:"required"`
	FailureKind       string  `json:"failure_kind,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// ReportLease records how a leased call went. Successes advance quota
// counters and close circuits; errors advance the error streaks; a
// rate-limit error additionally records the provider's backoff for every
// worker sharing the key.
func (h *LeaseHandlers) ReportLease(c *gin.Context) {
	var req reportLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	lease := &credentials.Lease{
		CredentialID: req.CredentialID,
		Platform:     req.Platform,
		Tier:         arena.Tier(req.Tier),
		Synthetic:    req.Synthetic,
	}

	switch req.Outcome {
	case "success":
		if err := h.pool.ReportSuccess(c.Request.Context(), lease); err != nil {
			h.logger.Error("lease success report failed", "credential_id", req.CredentialID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record lease outcome"})
			return
		}
	case "error":
		cause := leaseFailureCause(&req)
		if err := h.pool.ReportError(c.Request.Context(), lease, cause); err != nil {
			h.logger.Error("lease error report failed", "credential_id", req.CredentialID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record lease outcome"})
			return
		}
		if req.FailureKind == failureKindRateLimit && req.RetryAfterSeconds > 0 {
			if desc, ok := h.registry.Get(req.Platform); ok {
				key := limiterKey(desc, lease)
				backoff := time.Duration(req.RetryAfterSeconds * float64(time.Second))
				if err := h.limiter.ReportBackoff(c.Request.Context(), key, backoff); err != nil {
					h.logger.Warn("failed to record provider backoff", "key", key, "error", err)
				}
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be success or error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"credential_id": req.CredentialID, "outcome": req.Outcome})
}

// leaseFailureCause rebuilds the classified error behind a failed lease
// report.
func leaseFailureCause(req *reportLeaseRequest) error {
	msg := req.ErrorMessage
	if msg == "" {
		msg = "provider call failed"
	}

	switch req.FailureKind {
	case failureKindRateLimit:
		return &collecterr.RateLimitError{
			Platform:   req.Platform,
			RetryAfter: time.Duration(req.RetryAfterSeconds * float64(time.Second)),
		}
	case failureKindAuth:
		return &collecterr.AuthError{
			Platform:     req.Platform,
			CredentialID: req.CredentialID,
			Err:          errors.New(msg),
		}
	default:
		return &collecterr.CollectionError{
			Platform: req.Platform,
			Message:  msg,
		}
	}
}
