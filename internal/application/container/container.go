// Package container provides dependency injection for all singleton services
package container

import (
	"github.com/HuralOmer/traffic-takip-v4/internal/application/services"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
)

// Container holds all singleton services and infrastructure dependencies
type Container struct {
	// Application services
	PresenceService   *services.PresenceService
	EMAService        *services.EMAService
	DisconnectService *services.DisconnectService

	// Infrastructure
	RedisClient   *goredis.Client
	PresenceStore *redis.PresenceStore
	Fleet         *messaging.Fleet
	Logger        *logging.ChanneledLogger
	PerfTracker   *performance.Tracker
}

// NewContainer creates and wires all singleton services
func NewContainer(redisClient *goredis.Client, logger *logging.ChanneledLogger) *Container {
	perfTracker := performance.NewTracker(logger, nil)
	store := redis.NewPresenceStore(redisClient, logger)
	fleet := messaging.NewFleet(logger)

	disconnectService := services.NewDisconnectService(store, logger)
	presenceService := services.NewPresenceService(store, disconnectService, logger, perfTracker)
	emaService := services.NewEMAService(store, fleet, logger)

	return &Container{
		PresenceService:   presenceService,
		EMAService:        emaService,
		DisconnectService: disconnectService,

		RedisClient:   redisClient,
		PresenceStore: store,
		Fleet:         fleet,
		Logger:        logger,
		PerfTracker:   perfTracker,
	}
}
