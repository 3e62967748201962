package services

import (
	"context"
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/monitoring"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
)

// DisconnectService resolves WebSocket closes for mobile and tablet sessions
// with a two-stage timer: a short grace window absorbs the JOIN a tab
// duplicate or navigation fires immediately, then a longer verify delay lets
// a reconnecting client reset the key's TTL before the record is removed.
// Desktop sessions are never scheduled here; TTL covers them.
//
// The pending map is per-process best-effort. A restart drops it and the
// affected records simply expire by TTL.
type DisconnectService struct {
	store  *redis.PresenceStore
	logger *logging.ChanneledLogger

	grace       time.Duration
	verifyDelay time.Duration
	ttlFloor    time.Duration

	pending map[string]chan struct{}
	mu      sync.Mutex
}

// NewDisconnectService creates a resolver with the configured timings.
func NewDisconnectService(store *redis.PresenceStore, logger *logging.ChanneledLogger) *DisconnectService {
	return &DisconnectService{
		store:       store,
		logger:      logger,
		grace:       config.DisconnectGrace,
		verifyDelay: config.DisconnectVerifyDelay,
		ttlFloor:    config.DisconnectTTLFloor,
		pending:     make(map[string]chan struct{}),
	}
}

// newDisconnectServiceWithTimings builds a resolver with explicit timings.
func newDisconnectServiceWithTimings(store *redis.PresenceStore, logger *logging.ChanneledLogger, grace, verifyDelay, ttlFloor time.Duration) *DisconnectService {
	return &DisconnectService{
		store:       store,
		logger:      logger,
		grace:       grace,
		verifyDelay: verifyDelay,
		ttlFloor:    ttlFloor,
		pending:     make(map[string]chan struct{}),
	}
}

func pendingKey(customerID, sessionID string) string {
	return customerID + ":" + sessionID
}

// Schedule starts the two-stage cleanup for a session. A cleanup already
// pending for the same session is left in place.
func (d *DisconnectService) Schedule(customerID, sessionID string) {
	key := pendingKey(customerID, sessionID)

	d.mu.Lock()
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	d.pending[key] = cancel
	d.mu.Unlock()

	go d.resolve(customerID, sessionID, key, cancel)
}

// Cancel aborts a pending cleanup; called when the session JOINs or
// re-authenticates on a new socket.
func (d *DisconnectService) Cancel(customerID, sessionID string) {
	key := pendingKey(customerID, sessionID)

	d.mu.Lock()
	cancel, exists := d.pending[key]
	if exists {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if exists {
		close(cancel)
		monitoring.DisconnectCleanupsTotal.WithLabelValues("canceled").Inc()
	}
}

// PendingCount reports how many cleanups are in flight.
func (d *DisconnectService) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *DisconnectService) resolve(customerID, sessionID, key string, cancel <-chan struct{}) {
	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	select {
	case <-cancel:
		return
	case <-time.After(d.grace):
	}

	select {
	case <-cancel:
		return
	case <-time.After(d.verifyDelay):
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	ttl, err := d.store.GetKeyTTL(ctx, customerID, sessionID)
	if err != nil {
		d.logger.Presence().Warn("Disconnect verify failed",
			"customerId", customerID, "sessionId", sessionID, "error", err)
		return
	}
	if ttl == -2 {
		// Already gone: explicit LEAVE or expiry won the race.
		return
	}
	if ttl > int64(d.ttlFloor/time.Second) {
		// A JOIN must have reset the TTL; the user reconnected.
		monitoring.DisconnectCleanupsTotal.WithLabelValues("aborted").Inc()
		return
	}

	if err := d.store.Remove(ctx, customerID, sessionID); err != nil {
		d.logger.Presence().Warn("Disconnect cleanup remove failed",
			"customerId", customerID, "sessionId", sessionID, "error", err)
		return
	}
	monitoring.DisconnectCleanupsTotal.WithLabelValues("removed").Inc()
	d.logger.WithSession(logging.ChannelPresence, customerID, sessionID).Info(
		"Disconnected session removed after verify window")
}
