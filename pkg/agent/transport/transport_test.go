package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/sessionmode"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	mu       sync.Mutex
	joins    []presence.JoinRequest
	leaves   []presence.LeaveRequest
	leaveIDs []string
	metrics  presence.MetricsPayload

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		metrics: presence.MetricsPayload{CustomerID: "acme", Count: 4, EMA: 3.5, Timestamp: 99},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/presence/join", func(w http.ResponseWriter, r *http.Request) {
		var req presence.JoinRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.joins = append(fs.joins, req)
		fs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/presence/leave", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		var req presence.LeaveRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fs.mu.Lock()
		fs.leaves = append(fs.leaves, req)
		fs.leaveIDs = append(fs.leaveIDs, r.Header.Get("X-Leave-Id"))
		fs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/active-users/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("customerId") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		payload := fs.metrics
		fs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(payload)
	})

	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) joinCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.joins)
}

func TestRestClientJoinLeaveMetrics(t *testing.T) {
	fs := newFakeServer(t)
	client := NewRestClient(fs.srv.URL, testLogger())

	require.NoError(t, client.Join(context.Background(), &presence.JoinRequest{
		CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
		TotalTabQuantity: 2,
	}))
	require.NoError(t, client.Leave(&presence.LeaveRequest{
		CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
		Mode: presence.LeaveFinal, Reason: presence.ReasonExternal,
	}, "leave-42"))

	payload, err := client.Metrics(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 4, payload.Count)
	assert.InDelta(t, 3.5, payload.EMA, 1e-9)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.joins, 1)
	assert.Equal(t, 2, fs.joins[0].TotalTabQuantity)
	require.Len(t, fs.leaves, 1)
	assert.Equal(t, presence.ReasonExternal, fs.leaves[0].Reason)
	assert.Equal(t, []string{"leave-42"}, fs.leaveIDs)
}

// wsEcho upgrades, records the auth message, then pushes one metrics frame.
func wsEcho(authed chan presence.ClientMessage) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg presence.ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case presence.MsgAuth:
				authed <- msg
				_ = conn.WriteJSON(presence.MetricsUpdateMessage{
					Type: presence.MsgMetricsUpdate,
					Data: presence.MetricsPayload{CustomerID: msg.CustomerID, Count: 9, EMA: 8.1},
				})
			case presence.MsgTTLRefresh:
				authed <- msg
			}
		}
	}
}

func TestWSClientAuthAndMetrics(t *testing.T) {
	authed := make(chan presence.ClientMessage, 4)
	srv := httptest.NewServer(wsEcho(authed))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	metrics := make(chan presence.MetricsPayload, 4)
	client := NewWSClient(wsURL, testLogger(),
		func(p presence.MetricsPayload) { metrics <- p }, nil)
	defer client.Disconnect()

	require.NoError(t, client.Connect("acme", "sess-1", "tab-1"))

	select {
	case msg := <-authed:
		assert.Equal(t, presence.MsgAuth, msg.Type)
		assert.Equal(t, "acme", msg.CustomerID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the auth message")
	}

	select {
	case p := <-metrics:
		assert.Equal(t, 9, p.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("client never surfaced the metrics frame")
	}

	require.NoError(t, client.SendTTLRefresh(presence.ModePassiveActive))
	select {
	case msg := <-authed:
		assert.Equal(t, presence.MsgTTLRefresh, msg.Type)
		assert.Equal(t, presence.ModePassiveActive, msg.SessionMode)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the ttl refresh")
	}
}

func testTimings() Timings {
	return Timings{
		PollingInterval:           30 * time.Millisecond,
		PollingIntervalPassive:    50 * time.Millisecond,
		TTLRefreshInterval:        30 * time.Millisecond,
		TTLRefreshIntervalPassive: 50 * time.Millisecond,
		SettleDelay:               10 * time.Millisecond,
		JoinCooldown:              10 * time.Millisecond,
	}
}

func joinBuilder(mode *sessionmode.Mode, mu *sync.Mutex) func() *presence.JoinRequest {
	return func() *presence.JoinRequest {
		mu.Lock()
		defer mu.Unlock()
		m := presence.ModeActive
		if mode != nil && *mode == sessionmode.Passive {
			m = presence.ModePassiveActive
		}
		return &presence.JoinRequest{
			CustomerID: "acme", SessionID: "sess-1", TabID: "tab-1",
			Device: presence.DeviceDesktop, TotalTabQuantity: 1, SessionMode: m,
		}
	}
}

func TestHybridSelectionRule(t *testing.T) {
	fs := newFakeServer(t)
	rest := NewRestClient(fs.srv.URL, testLogger())

	var mu sync.Mutex
	mode := sessionmode.Active
	conn := NewConnection(rest, "", testLogger(), testTimings(),
		joinBuilder(&mode, &mu), nil)
	defer conn.Stop()

	// No WebSocket URL: active+foreground degrades to polling.
	conn.Reevaluate()
	assert.Equal(t, KindPolling, conn.Kind())

	mu.Lock()
	mode = sessionmode.Passive
	mu.Unlock()
	conn.SetMode(sessionmode.Passive)
	assert.Equal(t, KindPolling, conn.Kind())

	conn.SetMode(sessionmode.Removed)
	assert.Equal(t, KindNone, conn.Kind())
}

func TestHybridPrefersWebSocketWhenForeground(t *testing.T) {
	fs := newFakeServer(t)
	rest := NewRestClient(fs.srv.URL, testLogger())

	authed := make(chan presence.ClientMessage, 8)
	wsSrv := httptest.NewServer(wsEcho(authed))
	defer wsSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	var mu sync.Mutex
	mode := sessionmode.Active
	conn := NewConnection(rest, wsURL, testLogger(), testTimings(),
		joinBuilder(&mode, &mu), nil)
	defer conn.Stop()

	conn.Reevaluate()
	assert.Equal(t, KindWebSocket, conn.Kind())
	select {
	case msg := <-authed:
		assert.Equal(t, presence.MsgAuth, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("socket never authed")
	}

	// Backgrounding an active session drops to polling.
	conn.SetVisibility(visibility.Background)
	assert.Equal(t, KindPolling, conn.Kind())

	// Foreground again: socket returns.
	conn.SetVisibility(visibility.Foreground)
	assert.Equal(t, KindWebSocket, conn.Kind())
}

func TestPollingLeaderCarriesJoin(t *testing.T) {
	fs := newFakeServer(t)
	rest := NewRestClient(fs.srv.URL, testLogger())

	var mu sync.Mutex
	mode := sessionmode.Active
	metrics := make(chan presence.MetricsPayload, 8)
	conn := NewConnection(rest, "", testLogger(), testTimings(),
		joinBuilder(&mode, &mu), func(p presence.MetricsPayload) { metrics <- p })
	defer conn.Stop()

	conn.SetLeader(true)
	conn.Reevaluate()

	require.Eventually(t, func() bool {
		return fs.joinCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "leader polls must carry JOIN refreshes")

	select {
	case p := <-metrics:
		assert.Equal(t, 4, p.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("polling never surfaced metrics")
	}
}

func TestFollowerPollsWithoutJoining(t *testing.T) {
	fs := newFakeServer(t)
	rest := NewRestClient(fs.srv.URL, testLogger())

	var mu sync.Mutex
	mode := sessionmode.Active
	conn := NewConnection(rest, "", testLogger(), testTimings(),
		joinBuilder(&mode, &mu), nil)
	defer conn.Stop()

	conn.Reevaluate()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, fs.joinCount(), "followers never write presence")
}
