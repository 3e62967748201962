package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/application/services"
	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/persistence/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsEnv struct {
	srv         *httptest.Server
	store       *redis.PresenceStore
	fleet       *messaging.Fleet
	disconnects *services.DisconnectService
	mr          *miniredis.Miniredis
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, err := logging.NewChanneledLogger(&logging.LoggerConfig{
		OutputToConsole: false,
		OutputToFile:    false,
	})
	require.NoError(t, err)

	perfTracker := performance.NewTracker(logger, nil)
	store := redis.NewPresenceStore(client, logger)
	fleet := messaging.NewFleet(logger)
	disconnects := services.NewDisconnectService(store, logger)
	presenceService := services.NewPresenceService(store, disconnects, logger, perfTracker)

	ctx, cancel := context.WithCancel(context.Background())
	go fleet.Run(ctx)
	t.Cleanup(cancel)

	wsHandlers := NewWSHandlers(fleet, presenceService, disconnects, store, logger)
	router := gin.New()
	router.GET("/ws/active-users", wsHandlers.HandleActiveUsers)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &wsEnv{srv: srv, store: store, fleet: fleet, disconnects: disconnects, mr: mr}
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/active-users"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWSAuthJoinsFleetAndReturnsHello(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgAuth, CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, presence.MsgHello, frame["type"])
	assert.Equal(t, "sess-1", frame["sessionId"])

	require.Eventually(t, func() bool {
		return env.fleet.ConnectionCounts()["acme"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSAuthRequiresIdentifiers(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(presence.ClientMessage{Type: presence.MsgAuth}))
	frame := readFrame(t, conn)
	assert.Equal(t, presence.MsgError, frame["type"])
}

func TestWSJSONPingPong(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgPing, Timestamp: 42,
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, presence.MsgPong, frame["type"])
}

func TestWSTTLRefreshExtendsKey(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	require.NoError(t, env.store.Set(ctx, rec))
	env.mr.FastForward(200 * time.Second)

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgAuth, CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
	}))
	_ = readFrame(t, conn) // hello

	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgTTLRefresh, CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
		SessionMode: presence.ModePassiveActive,
	}))

	require.Eventually(t, func() bool {
		return env.mr.TTL("presence:acme:sess-1") == 300*time.Second
	}, 2*time.Second, 10*time.Millisecond, "mode change must be persisted with its TTL")
}

func TestWSCloseSchedulesMobileCleanup(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	rec.Device = presence.DeviceMobile
	require.NoError(t, env.store.Set(ctx, rec))

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgAuth, CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
	}))
	_ = readFrame(t, conn) // hello

	conn.Close()
	require.Eventually(t, func() bool {
		return env.disconnects.PendingCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The record survives the grace window; the resolver aborts later
	// because a JOIN-refreshed TTL stays above the floor.
	assert.True(t, env.mr.Exists("presence:acme:sess-1"))
}

func TestWSCloseLeavesDesktopAlone(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	rec.Device = presence.DeviceDesktop
	require.NoError(t, env.store.Set(ctx, rec))

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(presence.ClientMessage{
		Type: presence.MsgAuth, CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
	}))
	_ = readFrame(t, conn) // hello
	require.Eventually(t, func() bool {
		return env.fleet.ConnectionCounts()["acme"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, env.disconnects.PendingCount(), "desktop closes rely on TTL only")
}
