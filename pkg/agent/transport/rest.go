// Package transport moves presence traffic between the agent and the
// server: a REST client for JOIN/LEAVE/polling, a reconnecting WebSocket
// client, and the hybrid connection that picks between them.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
)

// RestClient talks to the presence REST surface.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRestClient creates a REST client against the server base URL.
func NewRestClient(baseURL string, logger *slog.Logger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Join posts a JOIN payload.
func (c *RestClient) Join(ctx context.Context, req *presence.JoinRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode join payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/presence/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("join request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Leave posts a LEAVE the way a beacon would: synchronously, with a short
// deadline, a text/plain body carrying JSON, and the idempotency header.
// The tab is going away, so there is no async path and no retry.
func (c *RestClient) Leave(req *presence.LeaveRequest, leaveID string) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode leave payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/presence/leave", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "text/plain")
	if leaveID != "" {
		httpReq.Header.Set("X-Leave-Id", leaveID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("leave request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("leave rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Metrics fetches the polling-mode live count.
func (c *RestClient) Metrics(ctx context.Context, customerID string) (presence.MetricsPayload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/active-users/metrics?customerId="+customerID, nil)
	if err != nil {
		return presence.MetricsPayload{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return presence.MetricsPayload{}, fmt.Errorf("metrics request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return presence.MetricsPayload{}, fmt.Errorf("metrics rejected with status %d", resp.StatusCode)
	}

	var payload presence.MetricsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return presence.MetricsPayload{}, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return payload, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
