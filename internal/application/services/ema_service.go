package services

import (
	"context"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/monitoring"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
)

// EMAService samples each subscribed customer's active session count on a
// fixed interval and maintains an exponential moving average over it. Both
// values fan out through the WebSocket fleet and the customer's pub/sub
// channel.
type EMAService struct {
	store  *redis.PresenceStore
	fleet  *messaging.Fleet
	logger *logging.ChanneledLogger

	alpha    float64
	interval time.Duration
}

// NewEMAService creates the EMA engine. Alpha must lie strictly inside
// (0,1); anything else falls back to the shipped default.
func NewEMAService(store *redis.PresenceStore, fleet *messaging.Fleet, logger *logging.ChanneledLogger) *EMAService {
	alpha := config.EMAAlpha
	if alpha <= 0 || alpha >= 1 {
		logger.EMA().Warn("EMA alpha outside (0,1), using default", "alpha", alpha)
		alpha = 0.2
	}
	return &EMAService{
		store:    store,
		fleet:    fleet,
		logger:   logger,
		alpha:    alpha,
		interval: config.EMAUpdateInterval,
	}
}

// Run ticks until the context is canceled. This should be run as a goroutine.
func (s *EMAService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, customerID := range s.fleet.SubscribedCustomers() {
				if _, err := s.Tick(ctx, customerID); err != nil {
					s.logger.EMA().Error("EMA tick failed",
						"customerId", customerID, "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick samples one customer, advances the average, persists it, and
// broadcasts the result.
func (s *EMAService) Tick(ctx context.Context, customerID string) (presence.MetricsPayload, error) {
	count, err := s.store.GetActiveCount(ctx, customerID)
	if err != nil {
		return presence.MetricsPayload{}, err
	}

	prev, hasPrev, err := s.store.GetEMA(ctx, customerID)
	if err != nil {
		return presence.MetricsPayload{}, err
	}

	ema := s.Advance(prev, hasPrev, count)
	if err := s.store.SetEMA(ctx, customerID, ema); err != nil {
		return presence.MetricsPayload{}, err
	}

	payload := presence.MetricsPayload{
		CustomerID: customerID,
		Timestamp:  time.Now().UnixMilli(),
		Count:      count,
		EMA:        ema,
	}

	monitoring.ActiveSessions.WithLabelValues(customerID).Set(float64(count))
	monitoring.SmoothedSessions.WithLabelValues(customerID).Set(ema)

	s.fleet.BroadcastMetrics(customerID, payload)
	if err := s.store.PublishMetrics(ctx, customerID, payload); err != nil {
		s.logger.EMA().Warn("Metrics publish failed", "customerId", customerID, "error", err)
	}
	return payload, nil
}

// Advance applies one EMA step. The first sample seeds the average.
func (s *EMAService) Advance(prev float64, hasPrev bool, count int) float64 {
	if !hasPrev {
		return float64(count)
	}
	return s.alpha*float64(count) + (1-s.alpha)*prev
}

// CurrentMetrics builds the polling response: the live count plus the
// stored average, seeded from the count when no average exists yet.
func (s *EMAService) CurrentMetrics(ctx context.Context, customerID string) (presence.MetricsPayload, error) {
	count, err := s.store.GetActiveCount(ctx, customerID)
	if err != nil {
		return presence.MetricsPayload{}, err
	}
	ema, hasEMA, err := s.store.GetEMA(ctx, customerID)
	if err != nil {
		return presence.MetricsPayload{}, err
	}
	if !hasEMA {
		ema = float64(count)
	}
	return presence.MetricsPayload{
		CustomerID: customerID,
		Timestamp:  time.Now().UnixMilli(),
		Count:      count,
		EMA:        ema,
	}, nil
}
