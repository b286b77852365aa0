package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/orchestrator"
)

// RunHandlers serves the run lifecycle endpoints.
type RunHandlers struct {
	orc      RunOrchestrator
	runs     RunReader
	tasks    TaskReader
	registry *arena.Registry
	logger   *slog.Logger
}

// NewRunHandlers creates the run lifecycle handlers.
func NewRunHandlers(orc RunOrchestrator, runs RunReader, tasks TaskReader, registry *arena.Registry, logger *slog.Logger) *RunHandlers {
	return &RunHandlers{orc: orc, runs: runs, tasks: tasks, registry: registry, logger: logger}
}

type launchRunRequest struct {
	QueryDesignID    string     `json:"query_design_id" binding:"required"`
	UserID           string     `json:"user_id" binding:"required"`
	Mode             string     `json:"mode" binding:"required"`
	Tier             string     `json:"tier" binding:"required"`
	Arenas           []string   `json:"arenas" binding:"required"`
	RequestedResults int        `json:"requested_results"`
	DateFrom         *time.Time `json:"date_from"`
	DateTo           *time.Time `json:"date_to"`
}

type runResponse struct {
	ID                string     `json:"id"`
	QueryDesignID     string     `json:"query_design_id"`
	UserID            string     `json:"user_id"`
	Mode              string     `json:"mode"`
	Status            string     `json:"status"`
	Tier              string     `json:"tier"`
	RequestedResults  int        `json:"requested_results"`
	DateFrom          *time.Time `json:"date_from,omitempty"`
	DateTo            *time.Time `json:"date_to,omitempty"`
	EstimatedCredits  float64    `json:"estimated_credits"`
	CreditsSpent      float64    `json:"credits_spent"`
	RecordsCollected  int        `json:"records_collected"`
	DuplicatesSkipped int        `json:"duplicates_skipped"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	SuspendedAt       *time.Time `json:"suspended_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type taskResponse struct {
	ID                string     `json:"id"`
	Arena             string     `json:"arena"`
	Platform          string     `json:"platform"`
	Status            string     `json:"status"`
	RecordsCollected  int        `json:"records_collected"`
	DuplicatesSkipped int        `json:"duplicates_skipped"`
	ActorsSkipped     int        `json:"actors_skipped"`
	RetryCount        int        `json:"retry_count"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

func toRunResponse(run *models.CollectionRun) runResponse {
	return runResponse{
		ID:                run.ID,
		QueryDesignID:     run.QueryDesignID,
		UserID:            run.UserID,
		Mode:              run.Mode,
		Status:            run.Status,
		Tier:              run.Tier,
		RequestedResults:  run.RequestedResults,
		DateFrom:          run.DateFrom,
		DateTo:            run.DateTo,
		EstimatedCredits:  run.EstimatedCredits,
		CreditsSpent:      run.CreditsSpent,
		RecordsCollected:  run.RecordsCollected,
		DuplicatesSkipped: run.DuplicatesSkipped,
		ErrorMessage:      run.ErrorMessage,
		SuspendedAt:       run.SuspendedAt,
		CreatedAt:         run.CreatedAt,
		UpdatedAt:         run.UpdatedAt,
		CompletedAt:       run.CompletedAt,
	}
}

func toTaskResponse(task *models.CollectionTask) taskResponse {
	return taskResponse{
		ID:                task.ID,
		Arena:             task.Arena,
		Platform:          task.Platform,
		Status:            task.Status,
		RecordsCollected:  task.RecordsCollected,
		DuplicatesSkipped: task.DuplicatesSkipped,
		ActorsSkipped:     task.ActorsSkipped,
		RetryCount:        task.RetryCount,
		ErrorMessage:      task.ErrorMessage,
		FinishedAt:        task.FinishedAt,
	}
}

// LaunchRun admits a new collection run. Validation failures come back as
// 400 before any credits are touched; an insufficient balance is a 402
// with the shortfall details; a reservation that failed for operational
// reasons (lock contention, storage) is a 503 the client may retry.
func (h *RunHandlers) LaunchRun(c *gin.Context) {
	var req launchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	launch := &orchestrator.LaunchRequest{
		QueryDesignID:    req.QueryDesignID,
		UserID:           req.UserID,
		Mode:             req.Mode,
		Tier:             arena.Tier(req.Tier),
		Arenas:           req.Arenas,
		RequestedResults: req.RequestedResults,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
	}
	if err := launch.Validate(h.registry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := h.orc.Launch(c.Request.Context(), launch)
	if err != nil {
		var resErr *collecterr.ReservationError
		switch {
		case errors.Is(err, collecterr.ErrInsufficientCredit):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
		case errors.As(err, &resErr):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			h.logger.Error("run launch failed", "user_id", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to launch run"})
		}
		return
	}

	c.JSON(http.StatusCreated, toRunResponse(run))
}

// GetRun returns a run with its per-arena tasks.
func (h *RunHandlers) GetRun(c *gin.Context) {
	id := c.Param("id")

	run, err := h.runs.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load run", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	tasks, err := h.tasks.ListByRun(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load tasks", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tasks"})
		return
	}

	taskOut := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		taskOut = append(taskOut, toTaskResponse(t))
	}

	out := gin.H{"run": toRunResponse(run), "tasks": taskOut}
	c.JSON(http.StatusOK, out)
}

// SuspendRun pauses a live run.
func (h *RunHandlers) SuspendRun(c *gin.Context) {
	h.transition(c, "suspend", h.orc.Suspend)
}

// ResumeRun returns a suspended run to running.
func (h *RunHandlers) ResumeRun(c *gin.Context) {
	h.transition(c, "resume", h.orc.Resume)
}

// CancelRun terminally cancels a run and refunds its reservation.
func (h *RunHandlers) CancelRun(c *gin.Context) {
	h.transition(c, "cancel", h.orc.Cancel)
}

// transition runs a lifecycle action against a run that must exist. A
// failure after the existence check is a state conflict (wrong mode or
// status), reported as 409 with the orchestrator's message.
func (h *RunHandlers) transition(c *gin.Context, action string, fn func(ctx context.Context, runID string) error) {
	id := c.Param("id")

	run, err := h.runs.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load run", "run_id", id, "action", action, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	if err := fn(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.runs.GetByID(c.Request.Context(), id)
	if err != nil || updated == nil {
		// The transition applied; report it even if the re-read failed.
		c.JSON(http.StatusOK, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusOK, toRunResponse(updated))
}
