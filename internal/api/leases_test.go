package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/credentials"
)

func newLeasesRouter(t *testing.T, pool *fakeLeaseBroker, limiter *fakeSlotLimiter) *gin.Engine {
	t.Helper()
	h := NewLeaseHandlers(pool, limiter, testRegistry(t), testLogger())
	router := gin.New()
	router.POST("/internal/v1/leases", h.AcquireLease)
	router.POST("/internal/v1/leases/report", h.ReportLease)
	return router
}

// ---------------------------------------------------------------------------
// AcquireLease
// ---------------------------------------------------------------------------

func TestAcquireLease_OK(t *testing.T) {
	pool := &fakeLeaseBroker{lease: &credentials.Lease{
		CredentialID: "cred-1",
		Platform:     "alpha",
		Tier:         arena.TierFree,
		Payload:      "decrypted-token",
	}}
	limiter := &fakeSlotLimiter{}
	router := newLeasesRouter(t, pool, limiter)

	w := postJSON(t, router, "/internal/v1/leases", map[string]any{
		"platform": "alpha",
		"tier":     "free",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp leaseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.CredentialID != "cred-1" || resp.Payload != "decrypted-token" {
		t.Errorf("lease = %+v, want cred-1 with payload", resp)
	}

	// alpha limits per (platform, tier).
	if len(limiter.keys) != 1 || limiter.keys[0] != "rl:alpha:free" {
		t.Errorf("limiter keys = %v, want [rl:alpha:free]", limiter.keys)
	}
}

func TestAcquireLease_PerCredentialKey(t *testing.T) {
	pool := &fakeLeaseBroker{lease: &credentials.Lease{
		CredentialID: "cred-9",
		Platform:     "beta",
		Tier:         arena.TierFree,
		Payload:      "tok",
	}}
	limiter := &fakeSlotLimiter{}
	router := newLeasesRouter(t, pool, limiter)

	w := postJSON(t, router, "/internal/v1/leases", map[string]any{
		"platform": "beta",
		"tier":     "free",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "rl:cred:cred-9" {
		t.Errorf("limiter keys = %v, want [rl:cred:cred-9]", limiter.keys)
	}
}

func TestAcquireLease_UnknownPlatform(t *testing.T) {
	router := newLeasesRouter(t, &fakeLeaseBroker{}, &fakeSlotLimiter{})

	w := postJSON(t, router, "/internal/v1/leases", map[string]any{
		"platform": "nosuch",
		"tier":     "free",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAcquireLease_NoCredential(t *testing.T) {
	pool := &fakeLeaseBroker{
		acquireErr: fmt.Errorf("platform alpha: %w", collecterr.ErrNoCredentialAvailable),
	}
	router := newLeasesRouter(t, pool, &fakeSlotLimiter{})

	w := postJSON(t, router, "/internal/v1/leases", map[string]any{
		"platform": "alpha",
		"tier":     "free",
	})

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAcquireLease_SlotTimeout(t *testing.T) {
	pool := &fakeLeaseBroker{lease: &credentials.Lease{
		CredentialID: "cred-1", Platform: "alpha", Tier: arena.TierFree,
	}}
	limiter := &fakeSlotLimiter{
		acquireErr: fmt.Errorf("%w: key rl:alpha:free", collecterr.ErrSlotTimeout),
	}
	router := newLeasesRouter(t, pool, limiter)

	w := postJSON(t, router, "/internal/v1/leases", map[string]any{
		"platform": "alpha",
		"tier":     "free",
	})

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("Retry-After header missing")
	}
}

// ---------------------------------------------------------------------------
// ReportLease
// ---------------------------------------------------------------------------

func TestReportLease_Success(t *testing.T) {
	pool := &fakeLeaseBroker{}
	router := newLeasesRouter(t, pool, &fakeSlotLimiter{})

	w := postJSON(t, router, "/internal/v1/leases/report", map[string]any{
		"credential_id": "cred-1",
		"platform":      "alpha",
		"tier":          "free",
		"outcome":       "success",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(pool.successes) != 1 || pool.successes[0].CredentialID != "cred-1" {
		t.Errorf("successes = %+v, want one for cred-1", pool.successes)
	}
}

func TestReportLease_RateLimitRecordsBackoff(t *testing.T) {
	pool := &fakeLeaseBroker{}
	limiter := &fakeSlotLimiter{}
	router := newLeasesRouter(t, pool, limiter)

	w := postJSON(t, router, "/internal/v1/leases/report", map[string]any{
		"credential_id":       "cred-1",
		"platform":            "alpha",
		"tier":                "free",
		"outcome":             "error",
		"failure_kind":        "rate_limit",
		"retry_after_seconds": 60,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(pool.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(pool.failures))
	}
	if !collecterr.Retryable(pool.causes[0]) {
		t.Errorf("rate-limit cause should be retryable, got %v", pool.causes[0])
	}
	if got := limiter.backoffs["rl:alpha:free"]; got != time.Minute {
		t.Errorf("backoff = %v, want 1m", got)
	}
}

func TestReportLease_AuthError(t *testing.T) {
	pool := &fakeLeaseBroker{}
	router := newLeasesRouter(t, pool, &fakeSlotLimiter{})

	w := postJSON(t, router, "/internal/v1/leases/report", map[string]any{
		"credential_id": "cred-1",
		"platform":      "alpha",
		"tier":          "free",
		"outcome":       "error",
		"failure_kind":  "auth",
		"error_message": "token revoked",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if collecterr.Retryable(pool.causes[0]) {
		t.Errorf("auth cause should not be retryable, got %v", pool.causes[0])
	}
}

func TestReportLease_UnknownOutcome(t *testing.T) {
	router := newLeasesRouter(t, &fakeLeaseBroker{}, &fakeSlotLimiter{})

	w := postJSON(t, router, "/internal/v1/leases/report", map[string]any{
		"credential_id": "cred-1",
		"platform":      "alpha",
		"tier":          "free",
		"outcome":       "shrug",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
