package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawroute/clawroute/internal/infrastructure/llm"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	"github.com/clawroute/clawroute/internal/infrastructure/persistence"
)

// StatusHandler serves the operational surface: health, status snapshot,
// graceful shutdown, and health resets.
type StatusHandler struct {
	tracker  *llm.Tracker
	monitor  *monitoring.Monitor
	attempts *persistence.AttemptRepository // nil when persistence is off
	shutdown func()
	logger   *zap.Logger
}

// NewStatusHandler creates the handler. shutdown triggers graceful stop.
func NewStatusHandler(tracker *llm.Tracker, monitor *monitoring.Monitor, attempts *persistence.AttemptRepository, shutdown func(), logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		tracker:  tracker,
		monitor:  monitor,
		attempts: attempts,
		shutdown: shutdown,
		logger:   logger,
	}
}

// Health handles GET /health: healthy when every provider is, degraded when
// some are, unhealthy when none is.
func (h *StatusHandler) Health(c *gin.Context) {
	snaps := h.tracker.SnapshotAll()
	healthy := 0
	for _, s := range snaps {
		if s.Healthy {
			healthy++
		}
	}

	status := "unhealthy"
	switch {
	case len(snaps) > 0 && healthy == len(snaps):
		status = "healthy"
	case healthy > 0:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

// Status handles GET /status: provider snapshots plus gateway counters.
func (h *StatusHandler) Status(c *gin.Context) {
	payload := gin.H{
		"providers":      h.tracker.SnapshotAll(),
		"activeRequests": h.monitor.ActiveRequests(),
		"stats":          h.monitor.Stats(),
	}

	if c.Query("detailed") == "true" && h.attempts != nil {
		if rows, err := h.attempts.Recent(50); err == nil {
			payload["recentAttempts"] = rows
		} else {
			h.logger.Warn("Failed to read recent attempts", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, payload)
}

// Shutdown handles POST /shutdown: acknowledge, then drain gracefully.
func (h *StatusHandler) Shutdown(c *gin.Context) {
	h.logger.Info("Shutdown requested via HTTP")
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	go func() {
		// Give the acknowledgement time to flush.
		time.Sleep(100 * time.Millisecond)
		h.shutdown()
	}()
}

// ResetProvider handles POST /providers/:id/reset, the operator command that
// clears a provider's health record and circuit.
func (h *StatusHandler) ResetProvider(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.tracker.Snapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"type":    "not_found",
			"message": "unknown provider " + id,
		}})
		return
	}
	h.tracker.Reset(id)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "provider": id})
}
