// Package monitoring exposes Prometheus metrics for the presence service.
// These metrics can be scraped by Prometheus and visualized in Grafana.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Presence metrics
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_joins_total",
		Help: "Total number of accepted JOIN requests",
	}, []string{"customer"})

	LeavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_leaves_total",
		Help: "Total number of processed LEAVE requests by reason",
	}, []string{"customer", "reason"})

	TTLRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ttl_refreshes_total",
		Help: "Total number of TTL refresh operations",
	}, []string{"customer"})

	DuplicateLeavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_duplicate_leaves_total",
		Help: "LEAVE requests absorbed by the X-Leave-Id idempotency marker",
	})

	// Fleet metrics
	WSConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_ws_connections_active",
		Help: "Current number of authenticated WebSocket connections",
	}, []string{"customer"})

	WSDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ws_disconnects_total",
		Help: "Total WebSocket disconnections by reason",
	}, []string{"reason"})

	// EMA metrics
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_active_sessions",
		Help: "Last sampled active session count per customer",
	}, []string{"customer"})

	SmoothedSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_smoothed_sessions",
		Help: "Last computed EMA of the active session count per customer",
	}, []string{"customer"})

	// Disconnect resolver metrics
	DisconnectCleanupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_disconnect_cleanups_total",
		Help: "Disconnect resolver outcomes (removed, aborted, canceled)",
	}, []string{"outcome"})
)
