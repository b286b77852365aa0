package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StreamHandlers serves the per-run SSE event stream.
type StreamHandlers struct {
	bus    EventSubscriber
	runs   RunReader
	logger *slog.Logger
}

// NewStreamHandlers creates the SSE stream handlers.
func NewStreamHandlers(bus EventSubscriber, runs RunReader, logger *slog.Logger) *StreamHandlers {
	return &StreamHandlers{bus: bus, runs: runs, logger: logger}
}

// StreamRunEvents streams a run's task_update and run_complete events as
// server-sent events until the client disconnects. Events are relayed as
// published; a client that connects late sees only what happens after it
// subscribed, so callers should fetch the run detail first and then
// stream.
func (h *StreamHandlers) StreamRunEvents(c *gin.Context) {
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

	events, err := h.bus.Subscribe(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to subscribe to run events", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe to run events"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		payload, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("message", string(payload))
		return true
	})
}
