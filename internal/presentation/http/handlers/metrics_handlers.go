package handlers

import (
	"net/http"

	"github.com/HuralOmer/traffic-takip-v4/internal/application/services"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/gin-gonic/gin"
)

// MetricsHandlers serves the polling-mode metrics endpoint.
type MetricsHandlers struct {
	emaService  *services.EMAService
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
}

// NewMetricsHandlers creates new metrics handlers.
func NewMetricsHandlers(emaService *services.EMAService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *MetricsHandlers {
	return &MetricsHandlers{
		emaService:  emaService,
		logger:      logger,
		perfTracker: perfTracker,
	}
}

// GetActiveUsersMetrics handles GET /active-users/metrics?customerId=…
func (h *MetricsHandlers) GetActiveUsersMetrics(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customerId query parameter is required"})
		return
	}

	marker := h.perfTracker.StartOperation("metrics_poll", customerID)
	defer marker.Complete()

	payload, err := h.emaService.CurrentMetrics(c.Request.Context(), customerID)
	if err != nil {
		marker.SetSuccess(false)
		h.logger.EMA().Error("Metrics read failed", "customerId", customerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, payload)
}
