package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

// HealthHandlers reports service liveness.
type HealthHandlers struct {
	redisClient *goredis.Client
}

// NewHealthHandlers creates new health handlers.
func NewHealthHandlers(redisClient *goredis.Client) *HealthHandlers {
	return &HealthHandlers{redisClient: redisClient}
}

// GetHealth handles GET /api/v1/health with a Redis ping check.
func (h *HealthHandlers) GetHealth(c *gin.Context) {
	status := "ok"
	redisStatus := "ok"

	if err := h.redisClient.Ping(c.Request.Context()).Err(); err != nil {
		status = "degraded"
		redisStatus = err.Error()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"redis":     redisStatus,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
