// Package identity manages the persisted session identity shared by all
// tabs of a customer, plus the per-tab IDs that leader election orders by.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IdleWindow is how long a session identity survives without any tab
// touching it. The next tab after the window gets a fresh session.
const IdleWindow = 24 * time.Hour

var (
	tabEntropyMu sync.Mutex
	tabEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTabID returns a fresh tab ID. ULIDs sort by creation time, and the
// monotonic entropy keeps IDs minted in the same millisecond in creation
// order, so the lexicographically smallest tab ID in an election round is
// the oldest tab.
func NewTabID() string {
	tabEntropyMu.Lock()
	defer tabEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), tabEntropy).String()
}

type persistedSession struct {
	SessionID string    `json:"sessionId"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Store persists session identity per customer in a local directory.
// Writes are idempotent and last-write-wins: racing tabs inside the idle
// window would all write the same session ID anyway.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at dir, creating it when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// newStoreWithClock builds a store with an injected clock.
func newStoreWithClock(dir string, now func() time.Time) (*Store, error) {
	s, err := NewStore(dir)
	if err != nil {
		return nil, err
	}
	s.now = now
	return s, nil
}

func (s *Store) path(customerID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session-%s.json", customerID))
}

// SessionID returns the customer's current session ID, minting a fresh one
// when none exists or the idle window has lapsed. Every call refreshes the
// idle timestamp.
func (s *Store) SessionID(customerID string) (string, error) {
	now := s.now()
	path := s.path(customerID)

	var stored persistedSession
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &stored); err != nil {
			stored = persistedSession{}
		}
	}

	if stored.SessionID == "" || now.Sub(stored.LastSeen) > IdleWindow {
		stored.SessionID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	}
	stored.LastSeen = now

	data, err = json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode session identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to persist session identity: %w", err)
	}
	return stored.SessionID, nil
}
