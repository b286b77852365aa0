// Package api wires together all HTTP routes for the collection core.
//
// Route grouping philosophy:
//   - /api/v1/ carries the public surface: run lifecycle, credit
//     estimates, the per-run SSE event stream, and credential
//     administration.
//   - /internal/v1/ carries the worker callback. It is meant to be
//     reachable only from the worker network, never exposed through the
//     public ingress.
//
// Launch gets its own, much stricter in-process rate limit: a client that
// can spam launches can drain a credit balance through reservations long
// before the ledger's own checks matter.
package api

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/config"
	"github.com/research-collector/research-collector/internal/middleware"
)

// Deps carries the assembled components the routes run against. The
// caller (cmd/server) builds them once and hands them over; the router
// owns nothing but the in-process rate limiters.
type Deps struct {
	DB           *sql.DB
	Orchestrator RunOrchestrator
	Ledger       CreditLedger
	Runs         RunReader
	Tasks        TaskReader
	Credentials  CredentialAdminStore
	Usage        CredentialUsage
	Cipher       PayloadSealer
	Pool         LeaseBroker
	Limiter      SlotLimiter
	Bus          EventSubscriber
	Registry     *arena.Registry
	Logger       *slog.Logger
}

// BackgroundServices holds references to background resources that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops the rate limiter cleanup goroutines. It should be called
// after the HTTP server has been shut down so that in-flight requests are
// drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, deps Deps) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(deps.DB))

	// API version
	router.GET("/version", versionHandler())

	runHandlers := NewRunHandlers(deps.Orchestrator, deps.Runs, deps.Tasks, deps.Registry, deps.Logger)
	creditHandlers := NewCreditHandlers(deps.Ledger, deps.Registry)
	credentialHandlers := NewCredentialHandlers(deps.Credentials, deps.Usage, deps.Cipher, cfg.Credentials.ErrorThreshold, deps.Logger)
	streamHandlers := NewStreamHandlers(deps.Bus, deps.Runs, deps.Logger)
	callbackHandlers := NewCallbackHandlers(deps.Orchestrator, deps.Tasks, deps.Logger)
	leaseHandlers := NewLeaseHandlers(deps.Pool, deps.Limiter, deps.Registry, deps.Logger)

	generalRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	launchRateLimiter := middleware.NewRateLimiter(middleware.LaunchRateLimitConfig())

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.RateLimitMiddleware(generalRateLimiter))
	{
		// Run lifecycle
		apiV1.POST("/runs",
			middleware.RateLimitMiddleware(launchRateLimiter),
			runHandlers.LaunchRun)
		apiV1.GET("/runs/:id", runHandlers.GetRun)
		apiV1.POST("/runs/:id/suspend", runHandlers.SuspendRun)
		apiV1.POST("/runs/:id/resume", runHandlers.ResumeRun)
		apiV1.POST("/runs/:id/cancel", runHandlers.CancelRun)

		// Per-run event stream (SSE)
		apiV1.GET("/runs/:id/events", streamHandlers.StreamRunEvents)

		// Credit preview and balance
		apiV1.GET("/credits/estimate", creditHandlers.GetEstimate)
		apiV1.GET("/credits/balance", creditHandlers.GetBalance)

		// Arena catalog
		apiV1.GET("/arenas", arenaCatalogHandler(deps.Registry))

		// Credential administration
		credGroup := apiV1.Group("/admin/credentials")
		{
			credGroup.GET("", credentialHandlers.ListCredentials)
			credGroup.POST("", credentialHandlers.CreateCredential)
			credGroup.GET("/:id", credentialHandlers.GetCredential)
			credGroup.POST("/:id/deactivate", credentialHandlers.DeactivateCredential)
			credGroup.POST("/:id/reactivate", credentialHandlers.ReactivateCredential)
		}
	}

	// Worker callback. No public rate limit: workers report at whatever
	// pace collection dictates.
	internalV1 := router.Group("/internal/v1")
	{
		internalV1.POST("/tasks/:id/status", callbackHandlers.ReportTaskStatus)
		internalV1.POST("/leases", leaseHandlers.AcquireLease)
		internalV1.POST("/leases/report", leaseHandlers.ReportLease)
	}

	bg := &BackgroundServices{
		rateLimiters: []*middleware.RateLimiter{generalRateLimiter, launchRateLimiter},
	}

	return router, bg
}

// healthCheckHandler returns the health status of the service.
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// arenaCatalogHandler lists the supported arenas with their tier cost
// parameters, so clients can build launch forms without hardcoding the
// catalog.
func arenaCatalogHandler(registry *arena.Registry) gin.HandlerFunc {
	type tierInfo struct {
		CreditsPer1k     float64 `json:"credits_per_1k"`
		MaxResultsPerRun int     `json:"max_results_per_run"`
	}
	type arenaInfo struct {
		Platform    string              `json:"platform"`
		DisplayName string              `json:"display_name"`
		Tiers       map[string]tierInfo `json:"tiers"`
	}

	return func(c *gin.Context) {
		out := make([]arenaInfo, 0, len(registry.Platforms()))
		for _, name := range registry.Platforms() {
			desc, _ := registry.Get(name)
			info := arenaInfo{
				Platform:    desc.Platform,
				DisplayName: desc.DisplayName,
				Tiers:       make(map[string]tierInfo, len(desc.Tiers)),
			}
			for tier, cost := range desc.Tiers {
				info.Tiers[string(tier)] = tierInfo{
					CreditsPer1k:     cost.CreditsPer1k,
					MaxResultsPerRun: cost.MaxResultsPerRun,
				}
			}
			out = append(out, info)
		}
		c.JSON(http.StatusOK, gin.H{"arenas": out})
	}
}

// LoggerMiddleware provides structured request logging.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
