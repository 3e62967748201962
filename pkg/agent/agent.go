// Package agent is the embeddable client core of the presence system. It
// owns session identity, sibling-tab coordination, the session-mode machine,
// unload intent classification, and the hybrid server connection. The host
// environment feeds it the raw signals a page sees (visibility, focus, user
// activity, navigation, teardown events) and renders the metrics it surfaces.
package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/gossip"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/identity"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/sessionmode"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/tabs"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/transport"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/unload"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
	"github.com/google/uuid"
)

// Config configures one agent instance.
type Config struct {
	CustomerID string
	BaseURL    string // REST base, e.g. https://presence.example
	WSURL      string // WebSocket URL; empty disables the socket transport

	// Device classification is consumed as an opaque tag.
	Device      string
	Platform    string
	Browser     string
	UserAgent   string
	DesktopMode bool

	// AllowedOrigins are the site's own origins for intent classification.
	AllowedOrigins []string

	// StateDir persists session identity across loads.
	StateDir string

	// Optional overrides; zero values take the shipped defaults.
	VisibilityDebounce time.Duration
	ForegroundIdle     time.Duration
	PassiveIdle        time.Duration
	TabConfig          *tabs.Config
	Timings            *transport.Timings

	// Transport for the gossip bus. Defaults to a process-local loopback.
	GossipTransport gossip.Transport

	// OnMetrics receives every live-count update, whichever transport
	// carried it.
	OnMetrics func(presence.MetricsPayload)
}

// Agent wires the client subsystems for one tab.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	sessionID string
	tabID     string

	bus        *gossip.Bus
	tabsMgr    *tabs.Manager
	vis        *visibility.Tracker
	fsm        *sessionmode.FSM
	classifier *unload.Classifier
	rest       *transport.RestClient
	conn       *transport.Connection

	mu          sync.Mutex
	started     bool
	hiddenTimer *time.Timer
}

// New builds an agent: it resolves the shared session identity, mints the
// tab ID, and wires the subsystems without starting them.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.CustomerID == "" {
		return nil, fmt.Errorf("customer ID is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	idStore, err := identity.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	sessionID, err := idStore.SessionID(cfg.CustomerID)
	if err != nil {
		return nil, err
	}
	tabID := identity.NewTabID()

	gossipTransport := cfg.GossipTransport
	if gossipTransport == nil {
		gossipTransport = gossip.NewLoopback()
	}
	channel := cfg.CustomerID + ":" + sessionID
	bus := gossip.NewBus(channel, tabID, gossipTransport)

	tabCfg := tabs.DefaultConfig()
	if cfg.TabConfig != nil {
		tabCfg = *cfg.TabConfig
	}
	timings := transport.DefaultTimings()
	if cfg.Timings != nil {
		timings = *cfg.Timings
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		sessionID:  sessionID,
		tabID:      tabID,
		bus:        bus,
		tabsMgr:    tabs.NewManager(bus, tabCfg),
		vis:        visibility.NewTracker(cfg.VisibilityDebounce),
		fsm:        sessionmode.New(cfg.Device == presence.DeviceDesktop || cfg.Device == "", cfg.ForegroundIdle, cfg.PassiveIdle),
		classifier: unload.NewClassifier(cfg.AllowedOrigins),
		rest:       transport.NewRestClient(cfg.BaseURL, logger),
	}
	a.conn = transport.NewConnection(a.rest, cfg.WSURL, logger, timings, a.joinPayload, cfg.OnMetrics)
	return a, nil
}

// SessionID returns the shared session identity.
func (a *Agent) SessionID() string { return a.sessionID }

// TabID returns this tab's identity.
func (a *Agent) TabID() string { return a.tabID }

// IsLeader reports whether this tab writes presence for the session.
func (a *Agent) IsLeader() bool { return a.tabsMgr.IsLeader() }

// Mode returns the current session mode.
func (a *Agent) Mode() sessionmode.Mode { return a.fsm.Mode() }

// joinPayload assembles a JOIN body from the live subsystem state.
func (a *Agent) joinPayload() *presence.JoinRequest {
	counts := a.tabsMgr.TabCounts()
	return &presence.JoinRequest{
		CustomerID:                 a.cfg.CustomerID,
		SessionID:                  a.sessionID,
		TabID:                      a.tabID,
		Timestamp:                  time.Now().UnixMilli(),
		Platform:                   a.cfg.Platform,
		Browser:                    a.cfg.Browser,
		Device:                     a.cfg.Device,
		UserAgent:                  a.cfg.UserAgent,
		DesktopMode:                a.cfg.DesktopMode,
		TotalTabQuantity:           counts.Total,
		TotalBackgroundTabQuantity: counts.Background,
		SessionMode:                a.wireMode(),
	}
}

func (a *Agent) wireMode() presence.SessionMode {
	if a.fsm.Mode() == sessionmode.Passive {
		return presence.ModePassiveActive
	}
	return presence.ModeActive
}

// Start connects the subsystems and begins coordinating.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	// Visibility feeds the tab registry, the mode machine, and transport
	// selection.
	a.vis.OnState(func(state visibility.State) {
		a.tabsMgr.SetOwnState(state)
		a.fsm.SetVisibility(state)
		a.conn.SetVisibility(state)
	})

	// Mode changes drive JOIN/LEAVE and the transport selection rule.
	a.fsm.OnChange(func(old, new sessionmode.Mode) {
		switch {
		case new == sessionmode.Removed:
			// Only the session's writer tears the record down.
			if a.tabsMgr.IsLeader() {
				a.classifier.ForceClaim()
				a.sendLeave(presence.LeaveFinal, presence.ReasonUnknown)
			}
		case old == sessionmode.Removed:
			// Revival: clear the unload pass and re-JOIN before the machine
			// resumes.
			a.classifier.ResetAfterLoad()
			if a.tabsMgr.IsLeader() {
				a.conn.SendJoin()
			}
		default:
			if a.tabsMgr.IsLeader() {
				a.conn.SendJoin()
			}
		}
		a.conn.SetMode(new)
	})

	a.tabsMgr.OnLeadership(func(isLeader bool) {
		a.logger.Info("Leadership changed", "tabId", a.tabID, "isLeader", isLeader)
		a.conn.SetLeader(isLeader)
	})

	a.tabsMgr.Start()
	a.fsm.Start()
	a.conn.Reevaluate()
}

// --- signals fed by the host environment ---

// SetVisible feeds the document visibility signal.
func (a *Agent) SetVisible(visible bool) { a.vis.SetVisible(visible) }

// SetFocused feeds the window focus signal.
func (a *Agent) SetFocused(focused bool) { a.vis.SetFocused(focused) }

// UserActivity feeds clicks, keys, touches, and scrolls.
func (a *Agent) UserActivity() { a.fsm.Activity() }

// MarkReload records any reload signal before teardown.
func (a *Agent) MarkReload() { a.classifier.MarkReload() }

// MarkLinkClick records a capture-phase link click.
func (a *Agent) MarkLinkClick(href string, newTab, modified bool) {
	a.classifier.MarkLinkClick(href, newTab, modified)
}

// MarkFormSubmit records a form submission.
func (a *Agent) MarkFormSubmit(action string) { a.classifier.MarkFormSubmit(action) }

// MarkRouteChange records SPA navigation.
func (a *Agent) MarkRouteChange() { a.classifier.MarkRouteChange() }

// MarkNavigate records a Navigation API navigate event.
func (a *Agent) MarkNavigate(destination string, isReload bool) {
	a.classifier.MarkNavigate(destination, isReload)
}

// hiddenDecisionDelay lets a racing pagehide reach its (better informed)
// decision before the hidden event does.
const hiddenDecisionDelay = 10 * time.Millisecond

// Teardown runs one decision point of the unload pass: hidden, pagehide,
// freeze, or the beforeunload late-guard. A pagehide arriving inside the
// hidden delay supersedes the hidden decision entirely.
func (a *Agent) Teardown(point unload.Point, bfcachePersisted bool) {
	if point == unload.PointHidden {
		a.mu.Lock()
		if a.hiddenTimer != nil {
			a.hiddenTimer.Stop()
		}
		a.hiddenTimer = time.AfterFunc(hiddenDecisionDelay, func() { a.decide(point, bfcachePersisted) })
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	if a.hiddenTimer != nil {
		a.hiddenTimer.Stop()
		a.hiddenTimer = nil
	}
	a.mu.Unlock()
	a.decide(point, bfcachePersisted)
}

func (a *Agent) decide(point unload.Point, bfcachePersisted bool) {
	decision := a.classifier.Decide(point, bfcachePersisted)
	if !a.classifier.ShouldEmit(decision) {
		return
	}
	a.sendLeave(decision.Mode, decision.Reason)
}

// PageShow feeds a pageshow event. A reload navigation marks the flag; any
// restore resets the unload pass.
func (a *Agent) PageShow(wasReload bool) {
	if wasReload {
		a.classifier.MarkReload()
	}
	a.classifier.ResetAfterLoad()
}

// sendLeave dispatches a LEAVE with a fresh idempotency ID, best-effort.
func (a *Agent) sendLeave(mode presence.LeaveMode, reason presence.LeaveReason) {
	req := &presence.LeaveRequest{
		CustomerID: a.cfg.CustomerID,
		SessionID:  a.sessionID,
		TabID:      a.tabID,
		Timestamp:  time.Now().UnixMilli(),
		Mode:       mode,
		Reason:     reason,
	}
	if err := a.rest.Leave(req, uuid.NewString()); err != nil {
		a.logger.Warn("Leave dispatch failed", "error", err)
	}
}

// Stop closes the agent: it announces the tab's departure on the bus and
// tears the connection down. It does not emit a LEAVE; that is the unload
// classifier's decision.
func (a *Agent) Stop() {
	a.conn.Stop()
	a.tabsMgr.Stop()
	a.fsm.Stop()
	a.bus.Close()
}
