package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/application/container"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	"github.com/HuralOmer/traffic-takip-v4/internal/presentation/http/server"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	"github.com/gin-gonic/gin"
)

func main() {
	// Create a context that listens for OS shutdown signals (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := logging.NewChanneledLogger(nil)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	redisClient, err := redis.NewClient(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Startup().Info("Redis connection established", "addr", config.RedisAddr)

	c := container.NewContainer(redisClient, logger)

	go c.Fleet.Run(ctx)
	go c.EMAService.Run(ctx)
	logger.Startup().Info("Fleet and EMA engine started",
		"emaInterval", config.EMAUpdateInterval.String())

	srv := server.New(config.Port, c)

	// Start the server in a new goroutine so it doesn't block.
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for the shutdown signal from the context.
	<-ctx.Done()
	logger.Shutdown().Info("Shutting down gracefully")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Shutdown().Info("Server exiting")
}
