// Package routes provides HTTP route configuration for the presentation layer.
package routes

import (
	"github.com/HuralOmer/traffic-takip-v4/internal/application/container"
	"github.com/HuralOmer/traffic-takip-v4/internal/presentation/http/handlers"
	"github.com/HuralOmer/traffic-takip-v4/internal/presentation/http/middleware"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all HTTP routes and middleware with dependency injection.
func SetupRoutes(container *container.Container) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(middleware.CORSMiddleware())

	rateLimiter := middleware.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow)
	r.Use(rateLimiter.Middleware())

	// Initialize handlers
	presenceHandlers := handlers.NewPresenceHandlers(container.PresenceService, container.Logger, container.PerfTracker)
	metricsHandlers := handlers.NewMetricsHandlers(container.EMAService, container.Logger, container.PerfTracker)
	wsHandlers := handlers.NewWSHandlers(container.Fleet, container.PresenceService, container.DisconnectService, container.PresenceStore, container.Logger)
	healthHandlers := handlers.NewHealthHandlers(container.RedisClient)
	sysopHandlers := handlers.NewSysOpHandlers(container.Fleet, container.Logger, container.PerfTracker)

	// Agent-facing presence surface
	presence := r.Group("/presence")
	{
		presence.POST("/join", presenceHandlers.PostJoin)
		presence.POST("/beat", presenceHandlers.PostBeat)
		presence.POST("/leave", presenceHandlers.PostLeave)
	}

	r.GET("/active-users/metrics", metricsHandlers.GetActiveUsersMetrics)
	r.GET("/ws/active-users", wsHandlers.HandleActiveUsers)

	// Prometheus scrape endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/v1/health", healthHandlers.GetHealth)

	// SysOp operator endpoints
	sysopAPI := r.Group("/api/sysop")
	{
		sysopAPI.GET("/auth", sysopHandlers.AuthCheck)
		sysopAPI.POST("/login", sysopHandlers.Login)

		sysopAPI.Use(sysopHandlers.SysOpAuthMiddleware())
		{
			sysopAPI.GET("/fleet", sysopHandlers.GetFleet)
			sysopAPI.GET("/logs/levels", sysopHandlers.GetLogLevels)
			sysopAPI.POST("/logs/levels", sysopHandlers.SetLogLevel)
		}
	}

	return r
}
