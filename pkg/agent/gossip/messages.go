// Package gossip provides the named broadcast channel that tabs of one
// session use to coordinate. Delivery is best-effort: duplicates are
// tolerated and there is no total ordering across senders.
package gossip

// Type identifies a gossip message.
type Type string

const (
	// WhoIsHere asks peers to announce themselves.
	WhoIsHere Type = "who_is_here"
	// IAmHere answers a WhoIsHere with the sender's state.
	IAmHere Type = "i_am_here"
	// TabState announces the sender's foreground/background change.
	TabState Type = "tab_state"
	// TabClosed announces a graceful close.
	TabClosed Type = "tab_closed"
	// LeaderElection triggers an election round.
	LeaderElection Type = "leader_election"
	// LeaderCandidate announces the sender as a candidate.
	LeaderCandidate Type = "leader_candidate"
	// LeaderBeat is the current leader's heartbeat.
	LeaderBeat Type = "leader_beat"
)

// Message is the typed envelope delivered between same-session tabs.
type Message struct {
	Type      Type   `json:"type"`
	TabID     string `json:"tabId"`
	State     string `json:"state,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
