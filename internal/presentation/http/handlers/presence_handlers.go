// Package handlers provides HTTP handlers for the presentation layer.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/HuralOmer/traffic-takip-v4/internal/application/services"
	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/gin-gonic/gin"
)

// PresenceHandlers handles JOIN, BEAT and LEAVE requests.
type PresenceHandlers struct {
	presenceService *services.PresenceService
	logger          *logging.ChanneledLogger
	perfTracker     *performance.Tracker
}

// NewPresenceHandlers creates new presence handlers.
func NewPresenceHandlers(presenceService *services.PresenceService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *PresenceHandlers {
	return &PresenceHandlers{
		presenceService: presenceService,
		logger:          logger,
		perfTracker:     perfTracker,
	}
}

// PostJoin handles POST /presence/join.
func (h *PresenceHandlers) PostJoin(c *gin.Context) {
	var req presence.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if req.CustomerID == "" || req.SessionID == "" || req.TabID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	err := h.presenceService.Join(c.Request.Context(), &req)
	if errors.Is(err, services.ErrSuppressedJoin) {
		c.JSON(http.StatusOK, gin.H{"success": false, "reason": "tombstoned"})
		return
	}
	if err != nil {
		h.logger.Presence().Error("Join failed", "customerId", req.CustomerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PostBeat handles POST /presence/beat, retained for legacy clients.
func (h *PresenceHandlers) PostBeat(c *gin.Context) {
	var req presence.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if req.CustomerID == "" || req.SessionID == "" || req.TabID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	if err := h.presenceService.Beat(c.Request.Context(), &req); err != nil {
		h.logger.Presence().Error("Beat failed", "customerId", req.CustomerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PostLeave handles POST /presence/leave. Beacon senders deliver JSON as
// text/plain, and a tab being torn down can never retry, so every parse or
// identity failure is answered 204 rather than an error.
func (h *PresenceHandlers) PostLeave(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil || len(body) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	var req presence.LeaveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	if req.CustomerID == "" || req.SessionID == "" || req.TabID == "" {
		c.Status(http.StatusNoContent)
		return
	}

	leaveID := c.GetHeader("X-Leave-Id")
	err = h.presenceService.Leave(c.Request.Context(), &req, leaveID)
	if errors.Is(err, services.ErrDuplicateLeave) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.logger.Presence().Error("Leave failed", "customerId", req.CustomerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
