package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
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
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router *gin.Engine
	store  *redis.PresenceStore
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
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
	emaService := services.NewEMAService(store, fleet, logger)

	presenceHandlers := NewPresenceHandlers(presenceService, logger, perfTracker)
	metricsHandlers := NewMetricsHandlers(emaService, logger, perfTracker)

	router := gin.New()
	router.POST("/presence/join", presenceHandlers.PostJoin)
	router.POST("/presence/beat", presenceHandlers.PostBeat)
	router.POST("/presence/leave", presenceHandlers.PostLeave)
	router.GET("/active-users/metrics", metricsHandlers.GetActiveUsersMetrics)

	return &testEnv{router: router, store: store, mr: mr}
}

func (e *testEnv) do(method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestPostJoinHappyPath(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1","timestamp":1,"device":"desktop","total_tab_quantity":1}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	assert.Equal(t, 600*time.Second, env.mr.TTL("presence:acme:sess-1"))
}

func TestPostJoinMissingFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing required fields")

	w = env.do(http.MethodPost, "/presence/join", "application/json", `not json`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostJoinPassiveModeTTL(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1","session_mode":"passive_active"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 300*time.Second, env.mr.TTL("presence:acme:sess-1"))
}

func TestPostLeaveBeaconBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	require.NoError(t, env.store.Set(ctx, rec))

	// Beacon senders post JSON with a text/plain content type.
	w := env.do(http.MethodPost, "/presence/leave", "text/plain",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1","mode":"final","reason":"external"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.mr.Exists("presence:acme:sess-1"))
}

func TestPostLeaveIsDismissalSafe(t *testing.T) {
	env := newTestEnv(t)

	// Unparseable body.
	w := env.do(http.MethodPost, "/presence/leave", "text/plain", `garbage{{{`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Missing identifiers.
	w = env.do(http.MethodPost, "/presence/leave", "application/json", `{"customerId":"acme"}`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Empty body.
	w = env.do(http.MethodPost, "/presence/leave", "text/plain", ``, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPostLeaveDeduplicatesByHeader(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	require.NoError(t, env.store.Set(ctx, rec))

	body := `{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`
	headers := map[string]string{"X-Leave-Id": "leave-1"}

	w := env.do(http.MethodPost, "/presence/leave", "text/plain", body, headers)
	require.Equal(t, http.StatusOK, w.Code)

	// The pagehide/beforeunload double-fire is absorbed.
	w = env.do(http.MethodPost, "/presence/leave", "text/plain", body, headers)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPostBeatKeepsTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := presence.NewRecord("acme", "sess-1", "tab-1", presence.ModeActive, time.Now())
	require.NoError(t, env.store.Set(ctx, rec))
	env.mr.FastForward(100 * time.Second)

	w := env.do(http.MethodPost, "/presence/beat", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 500*time.Second, env.mr.TTL("presence:acme:sess-1"))
}

func TestGetMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, sessionID := range []string{"s1", "s2"} {
		rec := presence.NewRecord("acme", sessionID, "tab-1", presence.ModeActive, time.Now())
		require.NoError(t, env.store.Set(ctx, rec))
	}

	w := env.do(http.MethodGet, "/active-users/metrics?customerId=acme", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var payload presence.MetricsPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "acme", payload.CustomerID)
	assert.Equal(t, 2, payload.Count)
	assert.InDelta(t, 2.0, payload.EMA, 1e-9)

	w = env.do(http.MethodGet, "/active-users/metrics", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJoinAfterLeaveWithNewTabStartsFresh(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`, nil)
	env.do(http.MethodPost, "/presence/leave", "text/plain",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`, nil)
	// A second LEAVE for the now-absent record writes a tombstone for tab-1.
	env.do(http.MethodPost, "/presence/leave", "text/plain",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`, nil)

	// The departed tab's stale JOIN is suppressed...
	w := env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"success":false`))
	assert.False(t, env.mr.Exists("presence:acme:sess-1"))

	// ...while a reloaded page's fresh tab starts a new record.
	w = env.do(http.MethodPost, "/presence/join", "application/json",
		`{"customerId":"acme","sessionId":"sess-1","tabId":"tab-2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.mr.Exists("presence:acme:sess-1"))
}
