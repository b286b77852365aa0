package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/orchestrator"
)

// Worker-reported failure kinds. They map onto the collection error
// taxonomy so the orchestrator's retry policy can classify the failure
// without the worker process sharing Go types with this service.
const (
	failureKindRateLimit  = "rate_limit"
	failureKindAuth       = "auth"
	failureKindCollection = "collection"
)

// CallbackHandlers serves the worker task-status callback.
type CallbackHandlers struct {
	orc    RunOrchestrator
	tasks  TaskReader
	logger *slog.Logger
}

// NewCallbackHandlers creates the worker callback handlers.
func NewCallbackHandlers(orc RunOrchestrator, tasks TaskReader, logger *slog.Logger) *CallbackHandlers {
	return &CallbackHandlers{orc: orc, tasks: tasks, logger: logger}
}

type taskStatusRequest struct {
	Status            string  `json:"status" binding:"required"`
	RecordsCollected  int     `json:"records_collected"`
	DuplicatesSkipped int     `json:"duplicates_skipped"`
	ActorsSkipped     int     `json:"actors_skipped"`
	ErrorMessage      *string `json:"error_message"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	// FailureKind classifies a failed status: rate_limit, auth, or
	// collection. Absent on a failed task it means the failure is final
	// and must not be retried.
	FailureKind       string  `json:"failure_kind,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	CredentialID      string  `json:"credential_id,omitempty"`
}

func validTaskStatus(status string) bool {
	switch status {
	case models.TaskRunning, models.TaskCompleted, models.TaskFailed:
		return true
	}
	return false
}

// ReportTaskStatus applies a worker progress report to a task. Redelivery
// is safe: the orchestrator ignores updates against terminal tasks.
func (h *CallbackHandlers) ReportTaskStatus(c *gin.Context) {
	id := c.Param("id")

	var req taskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !validTaskStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task status: " + req.Status})
		return
	}

	task, err := h.tasks.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load task", "task_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	update := &orchestrator.TaskUpdate{
		TaskID:            id,
		Status:            req.Status,
		RecordsCollected:  req.RecordsCollected,
		DuplicatesSkipped: req.DuplicatesSkipped,
		ActorsSkipped:     req.ActorsSkipped,
		ErrorMessage:      req.ErrorMessage,
		ElapsedSeconds:    req.ElapsedSeconds,
		Cause:             failureCause(task, &req),
	}

	if err := h.orc.OnTaskUpdate(c.Request.Context(), update); err != nil {
		h.logger.Error("task update failed", "task_id", id, "status", req.Status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply task update"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": req.Status})
}

// failureCause rebuilds the classified error behind a failed report.
func failureCause(task *models.CollectionTask, req *taskStatusRequest) error {
	if req.Status != models.TaskFailed {
		return nil
	}

	msg := "collection failed"
	if req.ErrorMessage != nil {
		msg = *req.ErrorMessage
	}

	switch req.FailureKind {
	case failureKindRateLimit:
		return &collecterr.RateLimitError{
			Arena:      task.Arena,
			Platform:   task.Platform,
			RetryAfter: time.Duration(req.RetryAfterSeconds * float64(time.Second)),
		}
	case failureKindAuth:
		return &collecterr.AuthError{
			Platform:     task.Platform,
			CredentialID: req.CredentialID,
			Err:          errors.New(msg),
		}
	case failureKindCollection:
		return &collecterr.CollectionError{
			Arena:    task.Arena,
			Platform: task.Platform,
			Message:  msg,
		}
	}
	return nil
}
