// Package messaging provides the per-customer WebSocket fleet used to fan
// out live metrics to connected agents.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/monitoring"
	"github.com/gorilla/websocket"
)

// Client represents a single authenticated agent socket.
type Client struct {
	Conn       *websocket.Conn
	CustomerID string
	SessionID  string
	TabID      string
	Device     string
	Platform   string
	Send       chan []byte

	missedPings atomic.Int32
}

// ResetMisses clears the ping miss counter; called from the pong handler.
func (c *Client) ResetMisses() { c.missedPings.Store(0) }

// CountMiss increments the miss counter and returns the new value.
func (c *Client) CountMiss() int32 { return c.missedPings.Add(1) }

// Fleet manages all connected agent sockets keyed by customer and fans
// metrics out to them. Membership is in-process and rebuildable; a restart
// drops it harmlessly.
type Fleet struct {
	customerClients map[string]map[*Client]bool
	register        chan *Client
	unregister      chan *Client
	logger          *logging.ChanneledLogger
	mu              sync.RWMutex
}

// NewFleet creates a fleet instance.
func NewFleet(logger *logging.ChanneledLogger) *Fleet {
	return &Fleet{
		customerClients: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		logger:          logger,
	}
}

// Run starts the fleet's registration loop. This should be run as a goroutine.
func (f *Fleet) Run(ctx context.Context) {
	for {
		select {
		case client := <-f.register:
			f.mu.Lock()
			if _, ok := f.customerClients[client.CustomerID]; !ok {
				f.customerClients[client.CustomerID] = make(map[*Client]bool)
			}
			f.customerClients[client.CustomerID][client] = true
			f.mu.Unlock()
			monitoring.WSConnectionsActive.WithLabelValues(client.CustomerID).Inc()
			f.logger.Fleet().Info("Client registered",
				"customerId", client.CustomerID, "tabId", client.TabID)

		case client := <-f.unregister:
			f.mu.Lock()
			if clients, ok := f.customerClients[client.CustomerID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(f.customerClients, client.CustomerID)
					}
					monitoring.WSConnectionsActive.WithLabelValues(client.CustomerID).Dec()
				}
			}
			f.mu.Unlock()
			f.logger.Fleet().Info("Client unregistered",
				"customerId", client.CustomerID, "tabId", client.TabID)

		case <-ctx.Done():
			return
		}
	}
}

// Register queues an authenticated client for registration.
func (f *Fleet) Register(client *Client) {
	f.register <- client
}

// Unregister queues a client for removal.
func (f *Fleet) Unregister(client *Client) {
	f.unregister <- client
}

// BroadcastMetrics sends a metrics:update frame to every open socket for the
// customer. The client set is copied under the lock so sends never race
// membership changes.
func (f *Fleet) BroadcastMetrics(customerID string, payload presence.MetricsPayload) {
	message, err := json.Marshal(presence.MetricsUpdateMessage{
		Type: presence.MsgMetricsUpdate,
		Data: payload,
	})
	if err != nil {
		f.logger.Fleet().Error("Failed to marshal metrics update",
			"customerId", customerID, "error", err)
		return
	}

	f.mu.RLock()
	clients := make([]*Client, 0, len(f.customerClients[customerID]))
	for client := range f.customerClients[customerID] {
		clients = append(clients, client)
	}
	f.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- message:
		default:
			f.logger.Fleet().Warn("Send buffer full, metrics frame dropped",
				"customerId", customerID, "tabId", client.TabID)
		}
	}
}

// ConnectionCounts returns the number of open sockets per customer.
func (f *Fleet) ConnectionCounts() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	counts := make(map[string]int, len(f.customerClients))
	for customerID, clients := range f.customerClients {
		counts[customerID] = len(clients)
	}
	return counts
}

// SubscribedCustomers returns the customers that currently have at least one
// open socket; the EMA engine samples exactly these.
func (f *Fleet) SubscribedCustomers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	customers := make([]string, 0, len(f.customerClients))
	for customerID := range f.customerClients {
		customers = append(customers, customerID)
	}
	return customers
}

// WritePump pushes queued frames to the socket and drives the server-side
// ping cycle. pingInterval and missLimit implement the liveness policy: a
// miss counter incremented per ping, reset on pong, closing at the limit.
func (c *Client) WritePump(pingInterval time.Duration, missLimit int, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if c.CountMiss() >= int32(missLimit) {
				monitoring.WSDisconnectsTotal.WithLabelValues("pong_timeout").Inc()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
