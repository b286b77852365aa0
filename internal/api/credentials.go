package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/db/models"
)

// CredentialHandlers serves the credential administration endpoints.
//
// Secret material flows one way here: a create request's payload is
// sealed immediately and only the ciphertext is stored. No endpoint
// returns payloads, sealed or otherwise.
type CredentialHandlers struct {
	store          CredentialAdminStore
	usage          CredentialUsage
	cipher         PayloadSealer
	errorThreshold int
	logger         *slog.Logger
}

// NewCredentialHandlers creates the credential admin handlers.
func NewCredentialHandlers(store CredentialAdminStore, usage CredentialUsage, cipher PayloadSealer, errorThreshold int, logger *slog.Logger) *CredentialHandlers {
	return &CredentialHandlers{
		store:          store,
		usage:          usage,
		cipher:         cipher,
		errorThreshold: errorThreshold,
		logger:         logger,
	}
}

type createCredentialRequest struct {
	Platform     string `json:"platform" binding:"required"`
	Tier         string `json:"tier" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Payload      string `json:"payload" binding:"required"`
	DailyQuota   *int   `json:"daily_quota"`
	MonthlyQuota *int   `json:"monthly_quota"`
}

type credentialResponse struct {
	ID                    string     `json:"id"`
	Platform              string     `json:"platform"`
	Tier                  string     `json:"tier"`
	Name                  string     `json:"name"`
	IsActive              bool       `json:"is_active"`
	DisabledReason        *string    `json:"disabled_reason,omitempty"`
	Health                string     `json:"health"`
	DailyQuota            *int       `json:"daily_quota,omitempty"`
	MonthlyQuota          *int       `json:"monthly_quota,omitempty"`
	UsedToday             int64      `json:"used_today"`
	UsedThisMonth         int64      `json:"used_this_month"`
	ConsecutiveErrors     int        `json:"consecutive_errors"`
	ConsecutiveAuthErrors int        `json:"consecutive_auth_errors"`
	ErrorCount            int        `json:"error_count"`
	LastUsedAt            *time.Time `json:"last_used_at,omitempty"`
	LastErrorAt           *time.Time `json:"last_error_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (h *CredentialHandlers) toResponse(c *gin.Context, cred *models.APICredential) credentialResponse {
	day, month, err := h.usage.Usage(c.Request.Context(), cred.ID)
	if err != nil {
		h.logger.Warn("failed to load credential usage", "credential_id", cred.ID, "error", err)
	}
	return credentialResponse{
		ID:                    cred.ID,
		Platform:              cred.Platform,
		Tier:                  cred.Tier,
		Name:                  cred.Name,
		IsActive:              cred.IsActive,
		DisabledReason:        cred.DisabledReason,
		Health:                cred.Health(h.errorThreshold),
		DailyQuota:            cred.DailyQuota,
		MonthlyQuota:          cred.MonthlyQuota,
		UsedToday:             day,
		UsedThisMonth:         month,
		ConsecutiveErrors:     cred.ConsecutiveErrors,
		ConsecutiveAuthErrors: cred.ConsecutiveAuthErrors,
		ErrorCount:            cred.ErrorCount,
		LastUsedAt:            cred.LastUsedAt,
		LastErrorAt:           cred.LastErrorAt,
		CreatedAt:             cred.CreatedAt,
	}
}

// CreateCredential provisions a new credential. The plaintext payload is
// sealed before storage and never appears in any response.
func (h *CredentialHandlers) CreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sealed, err := h.cipher.Seal(req.Payload)
	if err != nil {
		h.logger.Error("failed to seal credential payload", "platform", req.Platform, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt credential"})
		return
	}

	cred := &models.APICredential{
		Platform:         req.Platform,
		Tier:             req.Tier,
		Name:             req.Name,
		EncryptedPayload: sealed,
		IsActive:         true,
		DailyQuota:       req.DailyQuota,
		MonthlyQuota:     req.MonthlyQuota,
	}
	if err := h.store.Create(c.Request.Context(), cred); err != nil {
		h.logger.Error("failed to create credential", "platform", req.Platform, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create credential"})
		return
	}

	h.logger.Info("credential created", "credential_id", cred.ID, "platform", cred.Platform, "tier", cred.Tier)
	c.JSON(http.StatusCreated, h.toResponse(c, cred))
}

// ListCredentials lists credentials for a platform with their health and
// usage counters.
func (h *CredentialHandlers) ListCredentials(c *gin.Context) {
	platform := c.Query("platform")
	if platform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform is required"})
		return
	}

	creds, err := h.store.ListByPlatform(c.Request.Context(), platform)
	if err != nil {
		h.logger.Error("failed to list credentials", "platform", platform, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list credentials"})
		return
	}

	out := make([]credentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, h.toResponse(c, cred))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// GetCredential returns one credential's health and usage.
func (h *CredentialHandlers) GetCredential(c *gin.Context) {
	id := c.Param("id")

	cred, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load credential", "credential_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credential"})
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	c.JSON(http.StatusOK, h.toResponse(c, cred))
}

type deactivateCredentialRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DeactivateCredential takes a credential out of rotation.
func (h *CredentialHandlers) DeactivateCredential(c *gin.Context) {
	id := c.Param("id")

	var req deactivateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	cred, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credential"})
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	if err := h.store.Deactivate(c.Request.Context(), id, req.Reason); err != nil {
		h.logger.Error("failed to deactivate credential", "credential_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate credential"})
		return
	}

	h.logger.Info("credential deactivated", "credential_id", id, "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": false})
}

// ReactivateCredential returns a deactivated credential to rotation and
// clears its error streaks. This is the operator reset required after the
// auth circuit breaker fires.
func (h *CredentialHandlers) ReactivateCredential(c *gin.Context) {
	id := c.Param("id")

	cred, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credential"})
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	if err := h.store.Reactivate(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to reactivate credential", "credential_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reactivate credential"})
		return
	}

	h.logger.Info("credential reactivated", "credential_id", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": true})
}
