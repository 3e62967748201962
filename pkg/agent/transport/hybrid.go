package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/sessionmode"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
)

// Kind names the active transport.
type Kind int

const (
	KindNone Kind = iota
	KindWebSocket
	KindPolling
)

// Timings configures the hybrid connection's intervals.
type Timings struct {
	PollingInterval           time.Duration
	PollingIntervalPassive    time.Duration
	TTLRefreshInterval        time.Duration
	TTLRefreshIntervalPassive time.Duration
	SettleDelay               time.Duration
	JoinCooldown              time.Duration
}

// DefaultTimings returns the shipped intervals.
func DefaultTimings() Timings {
	return Timings{
		PollingInterval:           45 * time.Second,
		PollingIntervalPassive:    90 * time.Minute,
		TTLRefreshInterval:        2 * time.Minute,
		TTLRefreshIntervalPassive: 90 * time.Minute,
		SettleDelay:               100 * time.Millisecond,
		JoinCooldown:              time.Second,
	}
}

// Connection selects between the WebSocket and polling transports from the
// session mode and visibility, runs the leader's TTL refresh cycle, and
// surfaces metrics from whichever transport is live.
type Connection struct {
	rest    *RestClient
	ws      *WSClient
	logger  *slog.Logger
	timings Timings

	// joinPayload builds a fresh JOIN body: identifiers, device tag, tab
	// counts, and the current session mode.
	joinPayload func() *presence.JoinRequest
	onMetrics   func(presence.MetricsPayload)

	mu          sync.Mutex
	kind        Kind
	mode        sessionmode.Mode
	vis         visibility.State
	isLeader    bool
	wsEnabled   bool
	pollStop    chan struct{}
	ttlStop     chan struct{}
	settleTimer *time.Timer

	joinInFlight bool
	lastJoin     time.Time
	stopped      bool
}

// NewConnection wires the hybrid connection. wsURL may be empty to disable
// the WebSocket transport entirely.
func NewConnection(rest *RestClient, wsURL string, logger *slog.Logger, timings Timings, joinPayload func() *presence.JoinRequest, onMetrics func(presence.MetricsPayload)) *Connection {
	c := &Connection{
		rest:        rest,
		logger:      logger,
		timings:     timings,
		joinPayload: joinPayload,
		onMetrics:   onMetrics,
		mode:        sessionmode.Active,
		vis:         visibility.Foreground,
		wsEnabled:   wsURL != "",
	}
	if wsURL != "" {
		c.ws = NewWSClient(wsURL, logger, onMetrics, c.onSocketDown)
	}
	return c
}

// SetMode feeds a session-mode change and reselects the transport.
func (c *Connection) SetMode(mode sessionmode.Mode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.Reevaluate()
}

// SetVisibility feeds a visibility change and reselects the transport.
func (c *Connection) SetVisibility(vis visibility.State) {
	c.mu.Lock()
	c.vis = vis
	c.mu.Unlock()
	c.Reevaluate()
}

// SetLeader marks this tab as the session's writer. Only the leader
// refreshes TTL; a fresh leader JOINs immediately.
func (c *Connection) SetLeader(isLeader bool) {
	c.mu.Lock()
	was := c.isLeader
	c.isLeader = isLeader
	c.mu.Unlock()
	if isLeader && !was {
		c.SendJoin()
	}
	c.Reevaluate()
}

// Kind returns the active transport.
func (c *Connection) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// desiredLocked applies the selection rule.
func (c *Connection) desiredLocked() Kind {
	if c.mode == sessionmode.Removed {
		return KindNone
	}
	if c.mode == sessionmode.Passive {
		return KindPolling
	}
	if c.vis == visibility.Foreground && c.wsEnabled {
		return KindWebSocket
	}
	return KindPolling
}

// Reevaluate applies the selection rule and, when it changed, switches
// transports with the settle discipline.
func (c *Connection) Reevaluate() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	desired := c.desiredLocked()
	if desired == c.kind {
		c.mu.Unlock()
		return
	}
	prev := c.kind
	c.kind = desired
	c.stopPollingLocked()
	c.stopTTLLocked()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	c.mu.Unlock()

	c.logger.Debug("Transport switch", "from", int(prev), "to", int(desired))

	switch desired {
	case KindWebSocket:
		// Polling is already stopped; open the socket and auth. A failed
		// dial reconnects on its own, so the refresh cycle starts either way.
		req := c.joinPayload()
		_ = c.ws.Connect(req.CustomerID, req.SessionID, req.TabID)
		c.startTTLRefresh()
	case KindPolling:
		if prev == KindWebSocket && c.ws != nil {
			// Close fully, no auto-reconnect, then settle before polling.
			c.ws.Disconnect()
			c.mu.Lock()
			c.settleTimer = time.AfterFunc(c.timings.SettleDelay, c.startPolling)
			c.mu.Unlock()
		} else {
			c.startPolling()
		}
	case KindNone:
		if c.ws != nil {
			c.ws.Disconnect()
		}
	}
}

// onSocketDown is the reconnect-budget-exhausted path: fall straight back
// to polling.
func (c *Connection) onSocketDown() {
	c.mu.Lock()
	if c.stopped || c.kind != KindWebSocket {
		c.mu.Unlock()
		return
	}
	c.kind = KindPolling
	c.stopTTLLocked()
	c.mu.Unlock()
	c.logger.Warn("WebSocket unavailable, falling back to polling")
	c.startPolling()
}

func (c *Connection) pollingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == sessionmode.Passive {
		return c.timings.PollingIntervalPassive
	}
	return c.timings.PollingInterval
}

func (c *Connection) startPolling() {
	c.mu.Lock()
	if c.stopped || c.kind != KindPolling || c.pollStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop
	c.mu.Unlock()

	go func() {
		// First poll fires immediately so the switch is visible without
		// waiting a full interval.
		c.pollOnce()
		for {
			select {
			case <-time.After(c.pollingInterval()):
				c.pollOnce()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopPollingLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// pollOnce fetches metrics and, on the leader, carries the TTL refresh as a
// JOIN body so device and tab counts are never lost.
func (c *Connection) pollOnce() {
	c.mu.Lock()
	leader := c.isLeader
	c.mu.Unlock()

	if leader {
		c.SendJoin()
	}

	req := c.joinPayload()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, err := c.rest.Metrics(ctx, req.CustomerID)
	if err != nil {
		// Transient: the next poll retries.
		c.logger.Debug("Poll failed", "error", err)
		return
	}
	if c.onMetrics != nil {
		c.onMetrics(payload)
	}
}

func (c *Connection) ttlRefreshInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == sessionmode.Passive {
		return c.timings.TTLRefreshIntervalPassive
	}
	return c.timings.TTLRefreshInterval
}

// startTTLRefresh runs the leader's ttl_refresh cycle over the socket.
// Polling mode needs no separate cycle: each poll already JOINs.
func (c *Connection) startTTLRefresh() {
	c.mu.Lock()
	if c.stopped || c.kind != KindWebSocket || c.ttlStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.ttlStop = stop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-time.After(c.ttlRefreshInterval()):
				c.mu.Lock()
				leader := c.isLeader
				mode := c.mode
				c.mu.Unlock()
				if !leader {
					continue
				}
				if err := c.ws.SendTTLRefresh(presence.SessionMode(mode)); err != nil {
					c.logger.Debug("TTL refresh send failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopTTLLocked() {
	if c.ttlStop != nil {
		close(c.ttlStop)
		c.ttlStop = nil
	}
}

// SendJoin posts a JOIN, debounced to one in flight and at most one per
// cooldown window.
func (c *Connection) SendJoin() {
	c.mu.Lock()
	if c.stopped || c.joinInFlight || time.Since(c.lastJoin) < c.timings.JoinCooldown {
		c.mu.Unlock()
		return
	}
	c.joinInFlight = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.joinInFlight = false
			c.lastJoin = time.Now()
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.rest.Join(ctx, c.joinPayload()); err != nil {
			c.logger.Debug("Join failed", "error", err)
		}
	}()
}

// Stop tears the connection down completely.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.kind = KindNone
	c.stopPollingLocked()
	c.stopTTLLocked()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	c.mu.Unlock()

	if c.ws != nil {
		c.ws.Disconnect()
	}
}
