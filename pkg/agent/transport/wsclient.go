package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/gorilla/websocket"
)

// Reconnect policy: exponential backoff capped at 30s, five attempts, reset
// on a successful open, disabled entirely once the caller disconnects on
// purpose.
const (
	reconnectBase        = time.Second
	reconnectCap         = 30 * time.Second
	maxReconnectAttempts = 5
)

// WSClient is the agent side of /ws/active-users.
type WSClient struct {
	url    string
	logger *slog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	auth           presence.ClientMessage
	intentional    bool
	attempts       int
	reconnectTimer *time.Timer

	onMetrics func(presence.MetricsPayload)
	onDown    func()
}

// NewWSClient creates a client for the given ws:// URL. onMetrics receives
// every metrics:update frame; onDown fires when the reconnect budget is
// exhausted so the hybrid connection can fall back to polling.
func NewWSClient(url string, logger *slog.Logger, onMetrics func(presence.MetricsPayload), onDown func()) *WSClient {
	return &WSClient{
		url:       url,
		logger:    logger,
		onMetrics: onMetrics,
		onDown:    onDown,
	}
}

// Connect dials the server and sends the auth message on open.
func (c *WSClient) Connect(customerID, sessionID, tabID string) error {
	c.mu.Lock()
	c.intentional = false
	c.attempts = 0
	c.auth = presence.ClientMessage{
		Type:       presence.MsgAuth,
		CustomerID: customerID,
		SessionID:  sessionID,
		TabID:      tabID,
		Timestamp:  time.Now().UnixMilli(),
	}
	c.mu.Unlock()
	return c.dial()
}

func (c *WSClient) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Warn("WebSocket dial failed", "error", err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	auth := c.auth
	c.mu.Unlock()

	if err := c.writeJSON(auth); err != nil {
		conn.Close()
		c.scheduleReconnect()
		return err
	}

	go c.readLoop(conn)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.intentional
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !intentional {
				c.scheduleReconnect()
			}
			return
		}

		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case presence.MsgMetricsUpdate:
			var payload presence.MetricsPayload
			if err := json.Unmarshal(envelope.Data, &payload); err == nil && c.onMetrics != nil {
				c.onMetrics(payload)
			}
		case presence.MsgHello, presence.MsgPong:
			// Acknowledgements need no handling.
		case presence.MsgError:
			c.logger.Warn("Server reported socket error", "frame", string(data))
		}
	}
}

func (c *WSClient) scheduleReconnect() {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempts := c.attempts
	if attempts > maxReconnectAttempts {
		c.mu.Unlock()
		c.logger.Warn("WebSocket reconnect budget exhausted")
		if c.onDown != nil {
			c.onDown()
		}
		return
	}

	backoff := reconnectBase << (attempts - 1)
	if backoff > reconnectCap {
		backoff = reconnectCap
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(backoff, func() { _ = c.dial() })
	c.mu.Unlock()

	c.logger.Debug("WebSocket reconnect scheduled",
		"attempt", attempts, "backoff", backoff.String())
}

// SendTTLRefresh asks the server to extend the record's expiry.
func (c *WSClient) SendTTLRefresh(mode presence.SessionMode) error {
	c.mu.Lock()
	msg := presence.ClientMessage{
		Type:        presence.MsgTTLRefresh,
		CustomerID:  c.auth.CustomerID,
		SessionID:   c.auth.SessionID,
		TabID:       c.auth.TabID,
		Timestamp:   time.Now().UnixMilli(),
		SessionMode: mode,
	}
	c.mu.Unlock()
	return c.writeJSON(msg)
}

// SendPing sends a JSON-level ping; native ping/pong frames are handled by
// the websocket library separately.
func (c *WSClient) SendPing() error {
	return c.writeJSON(presence.ClientMessage{
		Type:      presence.MsgPing,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *WSClient) writeJSON(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// Connected reports whether a socket is currently open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the socket on purpose: no reconnect follows.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
