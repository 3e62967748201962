package tabs

import (
	"testing"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/gossip"
	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ElectionWindow:  30 * time.Millisecond,
		BeatInterval:    80 * time.Millisecond,
		BeatTimeout:     150 * time.Millisecond,
		FastPathDelay:   5 * time.Millisecond,
		PeerTTL:         500 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
	}
}

func newTab(t *testing.T, tr *gossip.Loopback, tabID string) *Manager {
	t.Helper()
	bus := gossip.NewBus("acme:sess-1", tabID, tr)
	t.Cleanup(bus.Close)
	m := NewManager(bus, testConfig())
	t.Cleanup(m.Stop)
	return m
}

func waitLeader(t *testing.T, m *Manager, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.IsLeader() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSoleTabElectsItself(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	a.Start()
	waitLeader(t, a, true)
}

func TestLowestTabIDWinsAmongForegroundTabs(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	b := newTab(t, tr, "tab-b")
	a.Start()
	b.Start()

	waitLeader(t, a, true)
	waitLeader(t, b, false)
}

func TestAtMostOneLeader(t *testing.T) {
	tr := gossip.NewLoopback()
	tabs := []*Manager{
		newTab(t, tr, "tab-c"),
		newTab(t, tr, "tab-a"),
		newTab(t, tr, "tab-b"),
	}
	for _, m := range tabs {
		m.Start()
	}

	require.Eventually(t, func() bool {
		leaders := 0
		for _, m := range tabs {
			if m.IsLeader() {
				leaders++
			}
		}
		return leaders == 1 && tabs[1].IsLeader()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForegroundCandidateBeatsLowerBackgroundTab(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	b := newTab(t, tr, "tab-b")
	a.Start()
	b.Start()
	waitLeader(t, a, true)

	// Focusing B backgrounds A; the handoff election prefers the
	// foreground candidate even though A's ID sorts first.
	a.SetOwnState(visibility.Background)
	waitLeader(t, b, true)
	waitLeader(t, a, false)
}

func TestTabCountsTrackPeers(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	b := newTab(t, tr, "tab-b")
	a.Start()
	b.Start()

	require.Eventually(t, func() bool {
		return a.TabCounts().Total == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.TabCounts().Background)

	b.SetOwnState(visibility.Background)
	require.Eventually(t, func() bool {
		return a.TabCounts().Background == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClosedTabIsRemovedAndLeadershipMovesOn(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	b := newTab(t, tr, "tab-b")
	a.Start()
	b.Start()
	waitLeader(t, a, true)

	a.Stop()
	waitLeader(t, b, true)

	require.Eventually(t, func() bool {
		return b.TabCounts().Total == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFollowerElectsAfterBeatGoesStale(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-a")
	b := newTab(t, tr, "tab-b")
	a.Start()
	b.Start()
	waitLeader(t, a, true)

	// Detach the leader without a TabClosed, as a crashed tab would.
	// The follower's staleness monitor must take over within the timeout.
	a.bus.Close()

	waitLeader(t, b, true)
}

func TestLeaderResignsOnForeignBeat(t *testing.T) {
	tr := gossip.NewLoopback()
	a := newTab(t, tr, "tab-b")
	a.Start()
	waitLeader(t, a, true)

	// A beat from another tab forces resignation regardless of IDs.
	foreign := gossip.NewBus("acme:sess-1", "tab-z", tr)
	defer foreign.Close()
	foreign.Publish(gossip.Message{Type: gossip.LeaderBeat})

	waitLeader(t, a, false)
}
