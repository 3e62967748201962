// Package services provides application-level orchestration services
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/monitoring"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
)

// ErrSuppressedJoin is returned when a JOIN is rejected because the departed
// tab left a still-live tombstone.
var ErrSuppressedJoin = errors.New("join suppressed by leave tombstone")

// ErrDuplicateLeave is returned when a LEAVE carried an X-Leave-Id that was
// already processed inside the marker window.
var ErrDuplicateLeave = errors.New("duplicate leave")

// PresenceService handles JOIN, BEAT, LEAVE and TTL refresh against the
// presence store. Leadership is a client-side contract; the server does not
// enforce it.
type PresenceService struct {
	store       *redis.PresenceStore
	disconnects *DisconnectService
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
}

// NewPresenceService creates a new presence service.
func NewPresenceService(store *redis.PresenceStore, disconnects *DisconnectService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *PresenceService {
	return &PresenceService{
		store:       store,
		disconnects: disconnects,
		logger:      logger,
		perfTracker: perfTracker,
	}
}

// Join merges the payload with any existing record and writes it with a
// fresh mode TTL. Device and tab-count fields survive payloads that omit
// them, which is what polling-mode TTL refreshes send. A pending disconnect
// timer for the session is canceled.
func (s *PresenceService) Join(ctx context.Context, req *presence.JoinRequest) error {
	marker := s.perfTracker.StartOperation("join", req.CustomerID)
	defer marker.Complete()

	tombstoned, err := s.store.HasTombstone(ctx, req.CustomerID, req.SessionID, req.TabID)
	if err != nil {
		s.logger.Presence().Warn("Tombstone check failed, accepting join",
			"customerId", req.CustomerID, "error", err)
	} else if tombstoned {
		marker.SetSuccess(false)
		return ErrSuppressedJoin
	}

	s.disconnects.Cancel(req.CustomerID, req.SessionID)

	incoming := req.Record()
	stored, err := s.store.Get(ctx, req.CustomerID, req.SessionID)
	switch {
	case err == nil:
		stored.Merge(incoming)
		incoming = stored
	case errors.Is(err, redis.ErrNotFound):
		if !incoming.SessionMode.Valid() {
			incoming.SessionMode = presence.ModeActive
		}
	default:
		marker.SetSuccess(false)
		return fmt.Errorf("join lookup failed: %w", err)
	}

	if err := s.store.Set(ctx, incoming); err != nil {
		marker.SetSuccess(false)
		return err
	}

	monitoring.JoinsTotal.WithLabelValues(req.CustomerID).Inc()
	s.logger.WithSession(logging.ChannelPresence, req.CustomerID, req.SessionID).Debug("Join accepted",
		"tabId", req.TabID, "sessionMode", string(incoming.SessionMode))
	return nil
}

// Beat refreshes a record's contents while keeping its TTL. Retained for
// legacy clients only; current clients use TTL refresh.
func (s *PresenceService) Beat(ctx context.Context, req *presence.JoinRequest) error {
	marker := s.perfTracker.StartOperation("beat", req.CustomerID)
	defer marker.Complete()

	if err := s.store.Update(ctx, req.Record()); err != nil {
		marker.SetSuccess(false)
		return err
	}
	return nil
}

// Leave removes the session's record. When the record is already gone a
// tombstone is written so a stale JOIN from the departed tab can be
// suppressed inside the grace window. leaveID, when non-empty, deduplicates
// retransmitted LEAVEs.
func (s *PresenceService) Leave(ctx context.Context, req *presence.LeaveRequest, leaveID string) error {
	marker := s.perfTracker.StartOperation("leave", req.CustomerID)
	defer marker.Complete()

	if leaveID != "" {
		first, err := s.store.MarkLeaveSeen(ctx, leaveID)
		if err != nil {
			s.logger.Presence().Warn("Leave dedup check failed, processing anyway",
				"customerId", req.CustomerID, "error", err)
		} else if !first {
			monitoring.DuplicateLeavesTotal.Inc()
			return ErrDuplicateLeave
		}
	}

	s.disconnects.Cancel(req.CustomerID, req.SessionID)

	_, err := s.store.Get(ctx, req.CustomerID, req.SessionID)
	switch {
	case errors.Is(err, redis.ErrNotFound):
		if err := s.store.WriteTombstone(ctx, req.CustomerID, req.SessionID, req.TabID); err != nil {
			s.logger.Presence().Warn("Failed to write leave tombstone",
				"customerId", req.CustomerID, "error", err)
		}
	case err != nil:
		marker.SetSuccess(false)
		return fmt.Errorf("leave lookup failed: %w", err)
	default:
		if err := s.store.Remove(ctx, req.CustomerID, req.SessionID); err != nil {
			marker.SetSuccess(false)
			return err
		}
	}

	reason := req.Reason
	if reason == "" {
		reason = presence.ReasonUnknown
	}
	monitoring.LeavesTotal.WithLabelValues(req.CustomerID, string(reason)).Inc()
	s.logger.WithSession(logging.ChannelPresence, req.CustomerID, req.SessionID).Debug("Leave processed",
		"tabId", req.TabID, "mode", string(req.Mode), "reason", string(reason))
	return nil
}

// RefreshTTL extends the record's expiry, persisting a mode change first so
// the TTL matches the new mode. A missing record is rebuilt from the payload
// rather than failed.
func (s *PresenceService) RefreshTTL(ctx context.Context, req *presence.JoinRequest) error {
	marker := s.perfTracker.StartOperation("ttl_refresh", req.CustomerID)
	defer marker.Complete()

	err := s.store.RefreshTTL(ctx, req.CustomerID, req.SessionID, req.SessionMode)
	if errors.Is(err, redis.ErrNotFound) {
		s.logger.WithSession(logging.ChannelPresence, req.CustomerID, req.SessionID).Warn(
			"TTL refresh for missing record, recreating")
		rec := req.Record()
		rec.CreatedAt = time.Now().Format(time.RFC3339)
		if !rec.SessionMode.Valid() {
			rec.SessionMode = presence.ModeActive
		}
		err = s.store.Set(ctx, rec)
	}
	if err != nil {
		marker.SetSuccess(false)
		return err
	}

	monitoring.TTLRefreshesTotal.WithLabelValues(req.CustomerID).Inc()
	return nil
}
