// Package models defines the database model types for the collection core.
// Each type corresponds to a database table. Models are pure data types —
// business logic belongs in the component packages, query logic belongs in
// the repositories layer.
package models

import "time"

// Credential health states derived from the error-streak columns. The
// progression is healthy → degraded → circuit-open(cooldown) → healthy,
// except the auth-failure path which jumps straight to circuit-open(manual).
const (
	CredentialHealthy             = "healthy"
	CredentialDegraded            = "degraded"
	CredentialCircuitOpenCooldown = "circuit-open-cooldown"
	CredentialCircuitOpenManual   = "circuit-open-manual"
)

// DisabledReasonAuth marks a credential deactivated by the auth circuit
// breaker; it requires an explicit operator reset.
const DisabledReasonAuth = "auth-failure"

// APICredential represents one leasable secret for one (platform, tier).
type APICredential struct {
	ID       string
	Platform string
	Tier     string
	Name     string // Friendly name (e.g. "lab shared key #2")
	// EncryptedPayload is the AES-256-GCM-sealed secret material. It is
	// opaque everywhere except inside the credential pool, which decrypts
	// it only for the duration of a lease.
	EncryptedPayload string
	IsActive         bool
	DisabledReason   *string
	DailyQuota       *int // nil = unlimited
	MonthlyQuota     *int // nil = unlimited
	QuotaResetAt     *time.Time
	// ConsecutiveErrors is the current non-auth error streak; reset by a
	// reported success. ErrorCount is the lifetime total and never resets.
	ConsecutiveErrors     int
	ConsecutiveAuthErrors int
	ErrorCount            int
	LastUsedAt            *time.Time
	LastErrorAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Health classifies the credential against the given cooldown-circuit
// threshold. The cooldown state itself lives in the shared counter store
// (it expires on its own), so this only distinguishes the durable states.
func (c *APICredential) Health(errorThreshold int) string {
	if !c.IsActive {
		return CredentialCircuitOpenManual
	}
	if c.ConsecutiveErrors >= errorThreshold {
		return CredentialCircuitOpenCooldown
	}
	if c.ConsecutiveErrors > 0 {
		return CredentialDegraded
	}
	return CredentialHealthy
}
