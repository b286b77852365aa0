package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
)

// CreditHandlers serves the credit preview endpoints.
type CreditHandlers struct {
	ledger   CreditLedger
	registry *arena.Registry
}

// NewCreditHandlers creates the credit preview handlers.
func NewCreditHandlers(ledger CreditLedger, registry *arena.Registry) *CreditHandlers {
	return &CreditHandlers{ledger: ledger, registry: registry}
}

// GetEstimate previews the credit cost of a launch without reserving
// anything. Query parameters: user_id, tier, requested_results, and
// arenas as a comma-separated list.
func (h *CreditHandlers) GetEstimate(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	arenasParam := c.Query("arenas")
	if arenasParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "arenas is required"})
		return
	}
	arenas := strings.Split(arenasParam, ",")

	tier := arena.Tier(c.DefaultQuery("tier", string(arena.TierFree)))
	if !arena.ValidTier(tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier: " + string(tier)})
		return
	}

	requested, err := strconv.Atoi(c.DefaultQuery("requested_results", "1000"))
	if err != nil || requested <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requested_results must be a positive integer"})
		return
	}

	est, err := h.ledger.Estimate(c.Request.Context(), userID, arenas, tier, requested)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, est)
}

// GetBalance returns a user's available credit balance.
func (h *CreditHandlers) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "available": balance})
}
