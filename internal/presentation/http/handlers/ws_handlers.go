package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/application/services"
	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/monitoring"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") {
			return true
		}
		for _, allowed := range strings.Split(config.AllowedOrigins, ",") {
			if origin == strings.TrimSpace(allowed) {
				return true
			}
		}
		return false
	},
}

// WSHandlers handles the /ws/active-users agent sockets.
type WSHandlers struct {
	fleet           *messaging.Fleet
	presenceService *services.PresenceService
	disconnects     *services.DisconnectService
	store           *redis.PresenceStore
	logger          *logging.ChanneledLogger
}

// NewWSHandlers creates new WebSocket handlers.
func NewWSHandlers(fleet *messaging.Fleet, presenceService *services.PresenceService, disconnects *services.DisconnectService, store *redis.PresenceStore, logger *logging.ChanneledLogger) *WSHandlers {
	return &WSHandlers{
		fleet:           fleet,
		presenceService: presenceService,
		disconnects:     disconnects,
		store:           store,
		logger:          logger,
	}
}

// HandleActiveUsers upgrades the connection and runs the socket's pumps.
// The socket joins the fan-out set only after a valid auth message.
func (h *WSHandlers) HandleActiveUsers(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Fleet().Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &messaging.Client{
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	go client.WritePump(config.WSPingInterval, config.WSPongMissLimit, config.WSWriteTimeout)
	go h.readPump(client)
}

func (h *WSHandlers) readPump(client *messaging.Client) {
	authed := false
	defer func() {
		if authed {
			h.fleet.Unregister(client)
			// Mobile tab switchers fire close without a LEAVE; desktops are
			// covered by TTL plus their explicit LEAVE.
			if presence.IsMobileLike(client.Device) {
				h.disconnects.Schedule(client.CustomerID, client.SessionID)
			}
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(1024)
	client.Conn.SetPongHandler(func(string) error {
		client.ResetMisses()
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Fleet().Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg presence.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(client, "invalid message", "parse_error")
			continue
		}

		switch msg.Type {
		case presence.MsgAuth:
			if msg.CustomerID == "" || msg.SessionID == "" || msg.TabID == "" {
				h.sendError(client, "auth requires customerId, sessionId and tabId", "auth_invalid")
				continue
			}
			client.CustomerID = msg.CustomerID
			client.SessionID = msg.SessionID
			client.TabID = msg.TabID

			// Device and platform come from the presence record the JOIN
			// already wrote; the socket itself carries neither.
			h.hydrateClient(client)

			if !authed {
				h.fleet.Register(client)
				authed = true
			}
			h.disconnects.Cancel(client.CustomerID, client.SessionID)
			h.send(client, presence.HelloMessage{
				Type:      presence.MsgHello,
				Timestamp: time.Now().UnixMilli(),
				SessionID: client.SessionID,
			})

		case presence.MsgPing:
			h.send(client, presence.PongMessage{
				Type:      presence.MsgPong,
				Timestamp: time.Now().UnixMilli(),
			})

		case presence.MsgTTLRefresh:
			if !authed {
				h.sendError(client, "auth required", "auth_required")
				continue
			}
			req := &presence.JoinRequest{
				CustomerID:  client.CustomerID,
				SessionID:   client.SessionID,
				TabID:       client.TabID,
				Timestamp:   msg.Timestamp,
				SessionMode: msg.SessionMode,
			}
			ctx, cancel := contextWithTimeout()
			if err := h.presenceService.RefreshTTL(ctx, req); err != nil {
				h.logger.Fleet().Warn("TTL refresh over socket failed",
					"customerId", client.CustomerID, "error", err)
			}
			cancel()

		default:
			h.sendError(client, "unknown message type", "unknown_type")
		}
	}
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (h *WSHandlers) hydrateClient(client *messaging.Client) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	rec, err := h.store.Get(ctx, client.CustomerID, client.SessionID)
	if err != nil {
		return
	}
	client.Device = rec.Device
	client.Platform = rec.Platform
}

func (h *WSHandlers) send(client *messaging.Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		monitoring.WSDisconnectsTotal.WithLabelValues("send_buffer_full").Inc()
	}
}

func (h *WSHandlers) sendError(client *messaging.Client, message, code string) {
	h.send(client, presence.ErrorMessage{
		Type:    presence.MsgError,
		Message: message,
		Code:    code,
	})
}
