// credential_repository.go implements CredentialRepository, providing database
// queries for credential selection, error-streak bookkeeping, and operator
// provisioning. Selection ordering (lowest error streak, then least recently
// used) lives here so the pool's Acquire stays a thin policy layer.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/research-collector/research-collector/internal/db/models"
)

const credentialColumns = `
	id, platform, tier, name, encrypted_payload, is_active, disabled_reason,
	daily_quota, monthly_quota, quota_reset_at,
	consecutive_errors, consecutive_auth_errors, error_count,
	last_used_at, last_error_at, created_at, updated_at
`

// CredentialRepository handles api_credentials database operations
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func scanCredential(scanner interface{ Scan(...any) error }) (*models.APICredential, error) {
	cred := &models.APICredential{}
	err := scanner.Scan(
		&cred.ID,
		&cred.Platform,
		&cred.Tier,
		&cred.Name,
		&cred.EncryptedPayload,
		&cred.IsActive,
		&cred.DisabledReason,
		&cred.DailyQuota,
		&cred.MonthlyQuota,
		&cred.QuotaResetAt,
		&cred.ConsecutiveErrors,
		&cred.ConsecutiveAuthErrors,
		&cred.ErrorCount,
		&cred.LastUsedAt,
		&cred.LastErrorAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Create provisions a new credential. The payload must already be encrypted.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.APICredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.CreatedAt = time.Now()
	cred.UpdatedAt = cred.CreatedAt

	query := `
		INSERT INTO api_credentials (id, platform, tier, name, encrypted_payload, is_active,
		                             daily_quota, monthly_quota, quota_reset_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		cred.ID,
		cred.Platform,
		cred.Tier,
		cred.Name,
		cred.EncryptedPayload,
		cred.IsActive,
		cred.DailyQuota,
		cred.MonthlyQuota,
		cred.QuotaResetAt,
		cred.CreatedAt,
		cred.UpdatedAt,
	)

	return err
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.APICredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials WHERE id = $1`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ListCandidates returns active credentials for a (platform, tier) below the
// circuit-breaker threshold, ordered best-first: lowest error streak, ties
// broken by least-recently-used (never-used credentials first).
func (r *CredentialRepository) ListCandidates(ctx context.Context, platform, tier string, errorThreshold int) ([]*models.APICredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM api_credentials
		WHERE platform = $1 AND tier = $2 AND is_active AND consecutive_errors < $3
		ORDER BY consecutive_errors ASC, last_used_at ASC NULLS FIRST
	`

	rows, err := r.db.QueryContext(ctx, query, platform, tier, errorThreshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]*models.APICredential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// ListByPlatform retrieves all credentials for a platform (operator view).
func (r *CredentialRepository) ListByPlatform(ctx context.Context, platform string) ([]*models.APICredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM api_credentials
		WHERE platform = $1
		ORDER BY tier, created_at
	`

	rows, err := r.db.QueryContext(ctx, query, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]*models.APICredential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// MarkUsed updates last_used_at when a lease is returned.
func (r *CredentialRepository) MarkUsed(ctx context.Context, id string) error {
	query := `UPDATE api_credentials SET last_used_at = $2, updated_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// RecordError increments the error streaks and the lifetime error count.
// When auth is true the consecutive auth streak advances as well.
func (r *CredentialRepository) RecordError(ctx context.Context, id string, auth bool) error {
	var query string
	if auth {
		query = `
			UPDATE api_credentials
			SET consecutive_errors = consecutive_errors + 1,
			    consecutive_auth_errors = consecutive_auth_errors + 1,
			    error_count = error_count + 1,
			    last_error_at = $2, updated_at = $2
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE api_credentials
			SET consecutive_errors = consecutive_errors + 1,
			    consecutive_auth_errors = 0,
			    error_count = error_count + 1,
			    last_error_at = $2, updated_at = $2
			WHERE id = $1
		`
	}
	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// RecordSuccess resets the consecutive streaks. The lifetime error_count is
// deliberately untouched.
func (r *CredentialRepository) RecordSuccess(ctx context.Context, id string) error {
	query := `
		UPDATE api_credentials
		SET consecutive_errors = 0, consecutive_auth_errors = 0, updated_at = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// ResetStreak clears only the non-auth streak; used when a cooldown circuit
// closes again.
func (r *CredentialRepository) ResetStreak(ctx context.Context, id string) error {
	query := `UPDATE api_credentials SET consecutive_errors = 0, updated_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// Deactivate opens the manual circuit: the credential is never issued again
// until an operator reactivates it.
func (r *CredentialRepository) Deactivate(ctx context.Context, id, reason string) error {
	query := `
		UPDATE api_credentials
		SET is_active = FALSE, disabled_reason = $2, updated_at = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, reason, time.Now())
	return err
}

// Reactivate closes the manual circuit and clears all streaks.
func (r *CredentialRepository) Reactivate(ctx context.Context, id string) error {
	query := `
		UPDATE api_credentials
		SET is_active = TRUE, disabled_reason = NULL,
		    consecutive_errors = 0, consecutive_auth_errors = 0, updated_at = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}
