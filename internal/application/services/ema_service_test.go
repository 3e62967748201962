package services

import (
	"context"
	"testing"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEMAService(t *testing.T) (*EMAService, *messaging.Fleet, func(customer string, sessions int)) {
	t.Helper()
	store, _, logger, _ := newTestDeps(t)
	fleet := messaging.NewFleet(logger)
	svc := NewEMAService(store, fleet, logger)

	seed := func(customer string, sessions int) {
		ctx := context.Background()
		for i := 0; i < sessions; i++ {
			rec := presence.NewRecord(customer, "sess-"+string(rune('a'+i)), "tab-1", presence.ModeActive, time.Now())
			require.NoError(t, store.Set(ctx, rec))
		}
	}
	return svc, fleet, seed
}

func TestAdvanceFollowsEMALaw(t *testing.T) {
	svc, _, _ := newTestEMAService(t)

	counts := []int{10, 10, 10, 20, 20}
	want := []float64{10, 10, 10, 12, 13.6}

	var ema float64
	hasPrev := false
	for i, count := range counts {
		ema = svc.Advance(ema, hasPrev, count)
		hasPrev = true
		assert.InDelta(t, want[i], ema, 1e-9, "tick %d", i)
	}
}

func TestTickPersistsAndSeedsEMA(t *testing.T) {
	svc, _, seed := newTestEMAService(t)
	ctx := context.Background()

	seed("acme", 3)

	// First tick seeds the average from the raw sample.
	payload, err := svc.Tick(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, payload.Count)
	assert.InDelta(t, 3.0, payload.EMA, 1e-9)

	// Subsequent ticks smooth toward the sample.
	seed("acme", 5)
	payload, err = svc.Tick(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 5, payload.Count)
	assert.InDelta(t, 0.2*5+0.8*3, payload.EMA, 1e-9)
}

func TestCurrentMetricsSeedsFromCountWithoutEMA(t *testing.T) {
	svc, _, seed := newTestEMAService(t)
	ctx := context.Background()

	seed("acme", 2)
	payload, err := svc.CurrentMetrics(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Count)
	assert.InDelta(t, 2.0, payload.EMA, 1e-9)
	assert.Equal(t, "acme", payload.CustomerID)
}

func TestTickBroadcastsToFleet(t *testing.T) {
	svc, fleet, seed := newTestEMAService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fleet.Run(ctx)

	client := &messaging.Client{
		CustomerID: "acme",
		SessionID:  "sess-a",
		TabID:      "tab-1",
		Send:       make(chan []byte, 4),
	}
	fleet.Register(client)
	require.Eventually(t, func() bool {
		return fleet.ConnectionCounts()["acme"] == 1
	}, time.Second, 5*time.Millisecond)

	seed("acme", 1)
	_, err := svc.Tick(ctx, "acme")
	require.NoError(t, err)

	select {
	case frame := <-client.Send:
		assert.Contains(t, string(frame), `"type":"metrics:update"`)
		assert.Contains(t, string(frame), `"count":1`)
	case <-time.After(time.Second):
		t.Fatal("no metrics frame broadcast to fleet client")
	}
}
