package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a presence record does not exist.
var ErrNotFound = errors.New("presence record not found")

// maxModeTTL caps any mode-derived TTL regardless of configuration.
const maxModeTTL = 10 * time.Minute

// ModeTTL returns the key TTL for a session mode, clamped to the 10 minute
// ceiling.
func ModeTTL(mode presence.SessionMode) time.Duration {
	ttl := config.PresenceTTL
	if mode == presence.ModePassiveActive {
		ttl = config.PresenceTTLPassive
	}
	if ttl > maxModeTTL {
		ttl = maxModeTTL
	}
	return ttl
}

// PresenceStore implements the keyed, TTL'd presence record store plus the
// EMA floats, idempotency markers, and the metrics pub/sub channel.
type PresenceStore struct {
	client *goredis.Client
	logger *logging.ChanneledLogger
}

// NewPresenceStore creates a presence store on an established client.
func NewPresenceStore(client *goredis.Client, logger *logging.ChanneledLogger) *PresenceStore {
	return &PresenceStore{client: client, logger: logger}
}

func presenceKey(customerID, sessionID string) string {
	return fmt.Sprintf("presence:%s:%s", customerID, sessionID)
}

func emaKey(customerID string) string {
	return fmt.Sprintf("ema:%s", customerID)
}

func metricsChannel(customerID string) string {
	return fmt.Sprintf("metrics:%s", customerID)
}

func seenLeaveKey(leaveID string) string {
	return fmt.Sprintf("SEEN_LEAVE:%s", leaveID)
}

func tombstoneKey(customerID, sessionID, tabID string) string {
	return fmt.Sprintf("LEAVE_TOMBSTONE:%s:%s", presenceKey(customerID, sessionID), tabID)
}

// Set writes the full record with a fresh TTL derived from its session mode.
// UpdatedAt and LastActivity are stamped on every write; CreatedAt is kept
// from the record as given.
func (s *PresenceStore) Set(ctx context.Context, rec *presence.Record) error {
	now := time.Now()
	if rec.CreatedAt == "" {
		rec.CreatedAt = now.Format(time.RFC3339)
	}
	rec.Touch(now)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	key := presenceKey(rec.CustomerID, rec.SessionID)
	if err := s.client.Set(ctx, key, data, ModeTTL(rec.SessionMode)).Err(); err != nil {
		return fmt.Errorf("failed to write presence record %s: %w", key, err)
	}
	return nil
}

// Get fetches a record, returning ErrNotFound when the key is absent.
func (s *PresenceStore) Get(ctx context.Context, customerID, sessionID string) (*presence.Record, error) {
	key := presenceKey(customerID, sessionID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read presence record %s: %w", key, err)
	}

	var rec presence.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode presence record %s: %w", key, err)
	}
	return &rec, nil
}

// Update merges the incoming record over the stored one and writes it back
// preserving the remaining TTL. A missing key falls back to Set.
func (s *PresenceStore) Update(ctx context.Context, rec *presence.Record) error {
	stored, err := s.Get(ctx, rec.CustomerID, rec.SessionID)
	if errors.Is(err, ErrNotFound) {
		return s.Set(ctx, rec)
	}
	if err != nil {
		return err
	}

	stored.Merge(rec)
	stored.Touch(time.Now())

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	key := presenceKey(rec.CustomerID, rec.SessionID)
	if err := s.client.Set(ctx, key, data, goredis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update presence record %s: %w", key, err)
	}
	return nil
}

// RefreshTTL extends a record's TTL to its mode's value. When mode is given
// and differs from the stored one, the new mode is persisted first so the
// TTL matches it. A missing key is a warning-level no-op.
func (s *PresenceStore) RefreshTTL(ctx context.Context, customerID, sessionID string, mode presence.SessionMode) error {
	stored, err := s.Get(ctx, customerID, sessionID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Store().Warn("TTL refresh for missing record",
			"customerId", customerID, "sessionId", sessionID)
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	key := presenceKey(customerID, sessionID)
	if mode.Valid() && mode != stored.SessionMode {
		stored.SessionMode = mode
		stored.Touch(time.Now())
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal presence record: %w", err)
		}
		if err := s.client.Set(ctx, key, data, ModeTTL(mode)).Err(); err != nil {
			return fmt.Errorf("failed to persist mode change for %s: %w", key, err)
		}
		return nil
	}

	if err := s.client.Expire(ctx, key, ModeTTL(stored.SessionMode)).Err(); err != nil {
		return fmt.Errorf("failed to extend TTL for %s: %w", key, err)
	}
	return nil
}

// Remove deletes a record. A missing key is a no-op.
func (s *PresenceStore) Remove(ctx context.Context, customerID, sessionID string) error {
	key := presenceKey(customerID, sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove presence record %s: %w", key, err)
	}
	return nil
}

// GetActiveSessions scans for a customer's presence keys and returns the
// unique session IDs. The scan is cursor-based so it never blocks Redis.
func (s *PresenceStore) GetActiveSessions(ctx context.Context, customerID string) ([]string, error) {
	pattern := fmt.Sprintf("presence:%s:*", customerID)
	prefix := fmt.Sprintf("presence:%s:", customerID)

	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence keys for %s: %w", customerID, err)
		}
		for _, key := range keys {
			seen[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sessions := make([]string, 0, len(seen))
	for sessionID := range seen {
		sessions = append(sessions, sessionID)
	}
	return sessions, nil
}

// GetActiveCount returns the number of unique active sessions for a customer.
func (s *PresenceStore) GetActiveCount(ctx context.Context, customerID string) (int, error) {
	sessions, err := s.GetActiveSessions(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// GetKeyTTL returns the record's remaining TTL in seconds. -1 means the key
// has no expiry, -2 means it does not exist.
func (s *PresenceStore) GetKeyTTL(ctx context.Context, customerID, sessionID string) (int64, error) {
	d, err := s.client.TTL(ctx, presenceKey(customerID, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read TTL: %w", err)
	}
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

// SetEMA persists the smoothed count for a customer.
func (s *PresenceStore) SetEMA(ctx context.Context, customerID string, value float64) error {
	if err := s.client.Set(ctx, emaKey(customerID), strconv.FormatFloat(value, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("failed to persist EMA for %s: %w", customerID, err)
	}
	return nil
}

// GetEMA reads the smoothed count for a customer. A missing key returns
// (0, false, nil) so the first tick can seed from the raw sample.
func (s *PresenceStore) GetEMA(ctx context.Context, customerID string) (float64, bool, error) {
	val, err := s.client.Get(ctx, emaKey(customerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read EMA for %s: %w", customerID, err)
	}
	ema, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt EMA value for %s: %w", customerID, err)
	}
	return ema, true, nil
}

// PublishMetrics publishes a metrics payload on the customer's channel for
// horizontally scaled deployments.
func (s *PresenceStore) PublishMetrics(ctx context.Context, customerID string, payload presence.MetricsPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics payload: %w", err)
	}
	if err := s.client.Publish(ctx, metricsChannel(customerID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish metrics for %s: %w", customerID, err)
	}
	return nil
}

// MarkLeaveSeen records a client-provided leave ID, returning false when the
// ID was already seen inside the marker window.
func (s *PresenceStore) MarkLeaveSeen(ctx context.Context, leaveID string) (bool, error) {
	first, err := s.client.SetNX(ctx, seenLeaveKey(leaveID), "1", config.SeenLeaveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark leave seen: %w", err)
	}
	return first, nil
}

// WriteTombstone leaves a short-lived marker after a LEAVE so that a stale
// JOIN from the departed tab can be suppressed.
func (s *PresenceStore) WriteTombstone(ctx context.Context, customerID, sessionID, tabID string) error {
	key := tombstoneKey(customerID, sessionID, tabID)
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.client.Set(ctx, key, stamp, config.TombstoneTTL).Err(); err != nil {
		return fmt.Errorf("failed to write leave tombstone %s: %w", key, err)
	}
	return nil
}

// HasTombstone reports whether a leave tombstone exists for the tab.
func (s *PresenceStore) HasTombstone(ctx context.Context, customerID, sessionID, tabID string) (bool, error) {
	n, err := s.client.Exists(ctx, tombstoneKey(customerID, sessionID, tabID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check leave tombstone: %w", err)
	}
	return n > 0, nil
}
