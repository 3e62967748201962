// Package performance provides lightweight operation timing for presence
// handling, with slow-operation alerts routed through the channeled logger.
package performance

import (
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
)

// Marker tracks one in-flight operation.
type Marker struct {
	Operation  string         `json:"operation"`
	CustomerID string         `json:"customerId"`
	StartTime  time.Time      `json:"startTime"`
	Duration   time.Duration  `json:"duration"`
	Success    bool           `json:"success"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	tracker *Tracker
}

// SetSuccess flags the marker before completion.
func (m *Marker) SetSuccess(success bool) { m.Success = success }

// SetMetadata attaches a key/value pair to the marker.
func (m *Marker) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Complete finalizes the marker and records its timing.
func (m *Marker) Complete() {
	m.Duration = time.Since(m.StartTime)
	m.tracker.record(m)
}

// Thresholds define when an operation counts as slow.
type Thresholds struct {
	SlowOperation time.Duration // any presence op
	SlowBroadcast time.Duration // fan-out to a customer's fleet
}

// DefaultThresholds returns the shipped alerting thresholds.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		SlowOperation: 250 * time.Millisecond,
		SlowBroadcast: 500 * time.Millisecond,
	}
}

// Stats aggregates completed-operation counters per operation name.
type Stats struct {
	Count    int64         `json:"count"`
	Failures int64         `json:"failures"`
	Total    time.Duration `json:"totalDuration"`
	Max      time.Duration `json:"maxDuration"`
}

// Tracker aggregates operation markers and emits slow-operation warnings.
type Tracker struct {
	logger     *logging.ChanneledLogger
	thresholds *Thresholds
	stats      map[string]*Stats
	mu         sync.Mutex
}

// NewTracker creates a performance tracker.
func NewTracker(logger *logging.ChanneledLogger, thresholds *Thresholds) *Tracker {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Tracker{
		logger:     logger,
		thresholds: thresholds,
		stats:      make(map[string]*Stats),
	}
}

// StartOperation creates a marker for an operation.
func (t *Tracker) StartOperation(operation, customerID string) *Marker {
	return &Marker{
		Operation:  operation,
		CustomerID: customerID,
		StartTime:  time.Now(),
		Success:    true,
		tracker:    t,
	}
}

func (t *Tracker) record(m *Marker) {
	t.mu.Lock()
	s, ok := t.stats[m.Operation]
	if !ok {
		s = &Stats{}
		t.stats[m.Operation] = s
	}
	s.Count++
	if !m.Success {
		s.Failures++
	}
	s.Total += m.Duration
	if m.Duration > s.Max {
		s.Max = m.Duration
	}
	t.mu.Unlock()

	threshold := t.thresholds.SlowOperation
	if m.Operation == "broadcast_metrics" {
		threshold = t.thresholds.SlowBroadcast
	}
	if m.Duration > threshold {
		t.logger.System().Warn("Slow operation",
			"operation", m.Operation,
			"customerId", m.CustomerID,
			"duration", m.Duration.String(),
			"success", m.Success,
		)
	}
}

// Snapshot returns a copy of the per-operation stats.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.stats))
	for op, s := range t.stats {
		out[op] = *s
	}
	return out
}
