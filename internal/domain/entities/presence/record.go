// Package presence provides domain entities for active-user presence tracking.
// It defines the per-(customer, session) presence record, the session mode
// vocabulary, and the wire payloads shared by the REST and WebSocket surfaces.
package presence

import "time"

// SessionMode describes how actively a session is being refreshed. A session
// that has been removed has no mode; removal means the record is absent.
type SessionMode string

const (
	ModeActive        SessionMode = "active"
	ModePassiveActive SessionMode = "passive_active"
)

// Valid reports whether the mode is one the store will accept.
func (m SessionMode) Valid() bool {
	return m == ModeActive || m == ModePassiveActive
}

// Device classes consumed as opaque tags from the client's device heuristic.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// IsMobileLike reports whether a device tag selects the aggressive
// disconnect-cleanup policy. Unknown tags fall back to the desktop policy.
func IsMobileLike(device string) bool {
	return device == DeviceMobile || device == DeviceTablet
}

// Record is the authoritative presence state for one (customer, session)
// pair. Only the session's leader tab ever writes it, so IsLeader is true on
// every stored record.
type Record struct {
	CustomerID string `json:"customerId"`
	SessionID  string `json:"sessionId"`
	TabID      string `json:"tabId"`
	IsLeader   bool   `json:"isLeader"`

	Platform    string `json:"platform,omitempty"`
	Browser     string `json:"browser,omitempty"`
	Device      string `json:"device,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	DesktopMode bool   `json:"desktop_mode"`

	TotalTabQuantity           int `json:"total_tab_quantity"`
	TotalBackgroundTabQuantity int `json:"total_backgroundTab_quantity"`

	SessionMode SessionMode `json:"session_mode"`

	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	LastActivity string `json:"lastActivity"`
}

// NewRecord creates a presence record with its immutable creation timestamp.
func NewRecord(customerID, sessionID, tabID string, mode SessionMode, now time.Time) *Record {
	if !mode.Valid() {
		mode = ModeActive
	}
	stamp := now.Format(time.RFC3339)
	return &Record{
		CustomerID:   customerID,
		SessionID:    sessionID,
		TabID:        tabID,
		IsLeader:     true,
		SessionMode:  mode,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
		LastActivity: "just now",
	}
}

// Touch refreshes the mutable timestamps on a write. CreatedAt is never
// touched for the life of the record.
func (r *Record) Touch(now time.Time) {
	r.UpdatedAt = now.Format(time.RFC3339)
	r.LastActivity = "just now"
}

// Merge overlays the non-empty fields of incoming onto r, preserving
// CreatedAt and keeping device/tab-count fields when the incoming payload
// omits them (polling-mode TTL refreshes send bare identifiers).
func (r *Record) Merge(incoming *Record) {
	r.TabID = incoming.TabID
	r.IsLeader = true
	if incoming.Platform != "" {
		r.Platform = incoming.Platform
	}
	if incoming.Browser != "" {
		r.Browser = incoming.Browser
	}
	if incoming.Device != "" {
		r.Device = incoming.Device
	}
	if incoming.UserAgent != "" {
		r.UserAgent = incoming.UserAgent
	}
	if incoming.DesktopMode {
		r.DesktopMode = true
	}
	// A payload carrying tab counts always has total >= 1 (the leader tab
	// itself), so total == 0 means the counts were omitted.
	if incoming.TotalTabQuantity > 0 {
		r.TotalTabQuantity = incoming.TotalTabQuantity
		r.TotalBackgroundTabQuantity = incoming.TotalBackgroundTabQuantity
	}
	if incoming.SessionMode.Valid() {
		r.SessionMode = incoming.SessionMode
	}
}
