// Package tabs tracks a session's sibling tabs and elects the single leader
// allowed to refresh presence. Election is deterministic on tab ID, so ties
// are impossible by construction: a lost message causes at worst a delayed
// election, a duplicate election is idempotent.
package tabs

import (
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/gossip"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
)

// Counts summarizes the session's tabs for JOIN payloads.
type Counts struct {
	Total      int
	Background int
}

type peerEntry struct {
	state    visibility.State
	lastSeen time.Time
}

// Config holds the election and registry timings.
type Config struct {
	ElectionWindow  time.Duration // candidate collection window
	BeatInterval    time.Duration // leader heartbeat period
	BeatTimeout     time.Duration // staleness after which an election starts
	FastPathDelay   time.Duration // delay before a foreground tab forces an election
	PeerTTL         time.Duration // peers unseen this long are pruned
	MonitorInterval time.Duration // registry maintenance tick
}

// DefaultConfig returns the shipped timings.
func DefaultConfig() Config {
	return Config{
		ElectionWindow:  80 * time.Millisecond,
		BeatInterval:    10 * time.Second,
		BeatTimeout:     3 * time.Second,
		FastPathDelay:   20 * time.Millisecond,
		PeerTTL:         30 * time.Second,
		MonitorInterval: 500 * time.Millisecond,
	}
}

// Manager owns one tab's view of its session peers and leadership state.
type Manager struct {
	bus *gossip.Bus
	cfg Config

	mu           sync.Mutex
	ownState     visibility.State
	peers        map[string]*peerEntry
	isLeader     bool
	lastBeatSeen time.Time
	lastBeatFrom string
	lastBeatSent time.Time
	electing     bool
	candidates   map[string]visibility.State

	onLeadership []func(bool)
	done         chan struct{}
	stopOnce     sync.Once
	now          func() time.Time
}

// NewManager creates a manager on the session's gossip bus.
func NewManager(bus *gossip.Bus, cfg Config) *Manager {
	return &Manager{
		bus:      bus,
		cfg:      cfg,
		ownState: visibility.Foreground,
		peers:    make(map[string]*peerEntry),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// OnLeadership registers a handler fired whenever this tab gains or loses
// leadership. Handlers run on internal goroutines.
func (m *Manager) OnLeadership(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeadership = append(m.onLeadership, fn)
}

// IsLeader reports whether this tab currently leads the session.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

// TabCounts returns the session's total and background tab counts,
// including this tab.
func (m *Manager) TabCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := Counts{Total: len(m.peers) + 1}
	if m.ownState == visibility.Background {
		counts.Background++
	}
	for _, peer := range m.peers {
		if peer.state == visibility.Background {
			counts.Background++
		}
	}
	return counts
}

// Start announces this tab, triggers the startup election, and begins
// registry maintenance.
func (m *Manager) Start() {
	m.bus.OnMessage(m.handle)
	m.mu.Lock()
	m.lastBeatSeen = m.now()
	m.mu.Unlock()

	m.bus.Publish(gossip.Message{Type: gossip.WhoIsHere})
	m.TriggerElection()

	go m.monitor()
}

// Stop announces a graceful close, halts maintenance, and stops handling
// bus messages.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.bus.Publish(gossip.Message{Type: gossip.TabClosed})
		close(m.done)
	})
}

// SetOwnState records this tab's visibility, announces it, and applies the
// leadership fast paths: a fresh foreground tab with no recent leader beat
// forces an election, and a leader going background offers a handoff to any
// foreground sibling.
func (m *Manager) SetOwnState(state visibility.State) {
	m.mu.Lock()
	m.ownState = state
	staleBeat := m.now().Sub(m.lastBeatSeen) > m.cfg.BeatTimeout
	handoff := m.isLeader && state == visibility.Background && m.foregroundPeerLocked()
	m.mu.Unlock()

	m.bus.Publish(gossip.Message{Type: gossip.TabState, State: string(state)})

	if state == visibility.Foreground && staleBeat {
		time.AfterFunc(m.cfg.FastPathDelay, m.TriggerElection)
	}
	if handoff {
		m.TriggerElection()
	}
}

func (m *Manager) foregroundPeerLocked() bool {
	for _, peer := range m.peers {
		if peer.state == visibility.Foreground {
			return true
		}
	}
	return false
}

// TriggerElection starts (or joins) an election round.
func (m *Manager) TriggerElection() {
	m.bus.Publish(gossip.Message{Type: gossip.LeaderElection})
	m.joinElection()
}

// joinElection adds this tab to the current round, opening the collection
// window if none is running.
func (m *Manager) joinElection() {
	m.mu.Lock()
	if m.electing {
		m.mu.Unlock()
		return
	}
	m.electing = true
	m.candidates = map[string]visibility.State{m.bus.TabID(): m.ownState}
	state := m.ownState
	m.mu.Unlock()

	m.bus.Publish(gossip.Message{
		Type:      gossip.LeaderCandidate,
		State:     string(state),
		Timestamp: m.now().UnixMilli(),
	})
	time.AfterFunc(m.cfg.ElectionWindow, m.decideElection)
}

// decideElection picks the winner: the lexicographically smallest tab ID
// among foreground candidates, else the smallest overall.
func (m *Manager) decideElection() {
	m.mu.Lock()
	m.electing = false

	winner := ""
	foregroundOnly := false
	for _, state := range m.candidates {
		if state == visibility.Foreground {
			foregroundOnly = true
			break
		}
	}
	for tabID, state := range m.candidates {
		if foregroundOnly && state != visibility.Foreground {
			continue
		}
		if winner == "" || tabID < winner {
			winner = tabID
		}
	}

	won := winner == m.bus.TabID()
	changed := won != m.isLeader
	m.isLeader = won
	if won {
		m.lastBeatSeen = m.now()
		m.lastBeatFrom = m.bus.TabID()
	}
	handlers := make([]func(bool), len(m.onLeadership))
	copy(handlers, m.onLeadership)
	m.mu.Unlock()

	if won {
		m.beat()
	}
	if changed {
		for _, fn := range handlers {
			fn(won)
		}
	}
}

// beat publishes the leader heartbeat.
func (m *Manager) beat() {
	m.mu.Lock()
	m.lastBeatSent = m.now()
	m.mu.Unlock()
	m.bus.Publish(gossip.Message{Type: gossip.LeaderBeat, Timestamp: m.now().UnixMilli()})
}

func (m *Manager) handle(msg gossip.Message) {
	select {
	case <-m.done:
		// A stopped tab no longer takes part in the session.
		return
	default:
	}
	switch msg.Type {
	case gossip.WhoIsHere:
		m.touchPeer(msg.TabID, "")
		m.mu.Lock()
		state := m.ownState
		m.mu.Unlock()
		m.bus.Publish(gossip.Message{Type: gossip.IAmHere, State: string(state)})

	case gossip.IAmHere, gossip.TabState:
		m.touchPeer(msg.TabID, visibility.State(msg.State))

	case gossip.TabClosed:
		m.mu.Lock()
		delete(m.peers, msg.TabID)
		wasLeader := m.lastBeatFrom == msg.TabID && !m.isLeader
		m.mu.Unlock()
		if wasLeader {
			m.TriggerElection()
		}

	case gossip.LeaderElection:
		m.touchPeer(msg.TabID, "")
		m.mu.Lock()
		electing, state := m.electing, m.ownState
		m.mu.Unlock()
		if electing {
			// Re-announce so a round opened after our candidacy still counts us.
			m.bus.Publish(gossip.Message{Type: gossip.LeaderCandidate, State: string(state), Timestamp: m.now().UnixMilli()})
			return
		}
		m.joinElection()

	case gossip.LeaderCandidate:
		m.touchPeer(msg.TabID, visibility.State(msg.State))
		m.mu.Lock()
		joined := m.electing
		if joined {
			m.candidates[msg.TabID] = visibility.State(msg.State)
		}
		m.mu.Unlock()
		if !joined {
			// A stray candidacy implies a round we missed the start of.
			m.joinElection()
			m.mu.Lock()
			if m.electing {
				m.candidates[msg.TabID] = visibility.State(msg.State)
			}
			m.mu.Unlock()
		}

	case gossip.LeaderBeat:
		m.touchPeer(msg.TabID, "")
		m.mu.Lock()
		m.lastBeatSeen = m.now()
		m.lastBeatFrom = msg.TabID
		resigned := m.isLeader && msg.TabID != m.bus.TabID()
		if resigned {
			m.isLeader = false
		}
		handlers := make([]func(bool), len(m.onLeadership))
		copy(handlers, m.onLeadership)
		m.mu.Unlock()
		if resigned {
			for _, fn := range handlers {
				fn(false)
			}
		}
	}
}

// touchPeer refreshes a peer's last-seen, keeping its known state when the
// message carried none.
func (m *Manager) touchPeer(tabID string, state visibility.State) {
	if tabID == "" || tabID == m.bus.TabID() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[tabID]
	if !ok {
		peer = &peerEntry{state: visibility.Background}
		m.peers[tabID] = peer
	}
	if state != "" {
		peer.state = state
	}
	peer.lastSeen = m.now()
}

// monitor prunes stale peers, keeps the leader beating while foreground,
// and starts an election when the leader has gone quiet.
func (m *Manager) monitor() {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := m.now()

			m.mu.Lock()
			for tabID, peer := range m.peers {
				if now.Sub(peer.lastSeen) > m.cfg.PeerTTL {
					delete(m.peers, tabID)
				}
			}
			needBeat := m.isLeader && m.ownState == visibility.Foreground &&
				now.Sub(m.lastBeatSent) >= m.cfg.BeatInterval
			stale := !m.isLeader && !m.electing &&
				now.Sub(m.lastBeatSeen) > m.cfg.BeatTimeout
			m.mu.Unlock()

			if needBeat {
				m.beat()
			}
			if stale {
				m.TriggerElection()
			}

		case <-m.done:
			return
		}
	}
}
