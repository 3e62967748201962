// Package unload classifies navigation intent during tab teardown and
// decides whether a LEAVE is emitted, and with what certainty. Intent is an
// ordered lattice with a monotonic update rule, which removes any dependence
// on listener ordering: once external is marked, later reload or internal
// signals never downgrade it.
package unload

import (
	"net/url"
	"strings"
	"sync"

	"github.com/HuralOmer/traffic-takip-v4/internal/domain/entities/presence"
)

// Intent is the ordered navigation intent: external > reload > internal >
// unknown.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentInternal
	IntentReload
	IntentExternal
)

func (i Intent) String() string {
	switch i {
	case IntentInternal:
		return "internal"
	case IntentReload:
		return "reload"
	case IntentExternal:
		return "external"
	}
	return "unknown"
}

// Outcome is what a decision point concluded.
type Outcome int

const (
	Suppress Outcome = iota
	Final
	Pending
)

// Point names the teardown event a decision runs at.
type Point string

const (
	PointHidden       Point = "hidden"
	PointPagehide     Point = "pagehide"
	PointFreeze       Point = "freeze"
	PointBeforeUnload Point = "beforeunload"
)

// Decision is the classifier's verdict at one decision point.
type Decision struct {
	Outcome Outcome
	Mode    presence.LeaveMode
	Reason  presence.LeaveReason
	Point   Point
}

// Classifier holds the effective intent slot and the once-per-unload guard.
type Classifier struct {
	mu        sync.Mutex
	intent    Intent
	leaveSent bool
	allowed   map[string]struct{}
}

// NewClassifier creates a classifier trusting the given allowed origins.
func NewClassifier(allowedOrigins []string) *Classifier {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if normalized := normalizeOrigin(origin); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	return &Classifier{allowed: allowed}
}

func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Intent returns the current effective intent.
func (c *Classifier) Intent() Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

// MarkIntent upgrades the effective intent; downgrades are ignored.
func (c *Classifier) MarkIntent(intent Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intent > c.intent {
		c.intent = intent
	}
}

// MarkReload records any reload signal: F5 or Ctrl/Cmd-R, an intercepted
// reload() call, a Navigation API reload, or a reload navigation timing
// entry on pageshow.
func (c *Classifier) MarkReload() {
	c.MarkIntent(IntentReload)
}

// MarkLinkClick classifies a capture-phase link click. Clicks opening a new
// tab or carrying modifiers leave the current tab in place.
func (c *Classifier) MarkLinkClick(href string, newTab, modified bool) {
	if newTab || modified {
		c.MarkIntent(IntentInternal)
		return
	}
	c.MarkIntent(c.ClassifyDestination(href))
}

// MarkFormSubmit classifies a form submission by its action URL.
func (c *Classifier) MarkFormSubmit(action string) {
	c.MarkIntent(c.ClassifyDestination(action))
}

// MarkRouteChange records SPA navigation: hashchange, popstate, or an
// intercepted pushState/replaceState.
func (c *Classifier) MarkRouteChange() {
	c.MarkIntent(IntentInternal)
}

// MarkNavigate classifies a Navigation API navigate event.
func (c *Classifier) MarkNavigate(destination string, isReload bool) {
	if isReload {
		c.MarkReload()
		return
	}
	c.MarkIntent(c.ClassifyDestination(destination))
}

// ClassifyDestination compares a destination against the allowed origins.
// Relative destinations stay internal; unparseable ones stay unknown.
func (c *Classifier) ClassifyDestination(raw string) Intent {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return IntentUnknown
	}
	if u.Host == "" {
		return IntentInternal
	}
	origin := u.Scheme + "://" + u.Host
	if _, ok := c.allowed[origin]; ok {
		return IntentInternal
	}
	return IntentExternal
}

// Decide runs one decision point. A reload verdict consumes the reload flag
// so it cannot suppress a later, genuine teardown.
func (c *Classifier) Decide(point Point, bfcachePersisted bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.intent {
	case IntentReload:
		c.intent = IntentUnknown
		return Decision{Outcome: Suppress, Point: point}
	case IntentInternal:
		return Decision{Outcome: Suppress, Point: point}
	case IntentExternal:
		return Decision{
			Outcome: Final,
			Mode:    presence.LeaveFinal,
			Reason:  presence.ReasonExternal,
			Point:   point,
		}
	}

	if bfcachePersisted {
		return Decision{Outcome: Suppress, Point: point}
	}
	return Decision{
		Outcome: Pending,
		Mode:    presence.LeavePending,
		Reason:  presence.ReasonUnknown,
		Point:   point,
	}
}

// ShouldEmit applies the once-per-unload guard to a decision. The first
// non-suppressed decision claims the emission; everything after it, the
// beforeunload late-guard included, is a no-op.
func (c *Classifier) ShouldEmit(d Decision) bool {
	if d.Outcome == Suppress {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaveSent {
		return false
	}
	c.leaveSent = true
	return true
}

// ForceClaim bypasses the guard for the session-mode machine's forced LEAVE
// on removal, and marks the pass as sent.
func (c *Classifier) ForceClaim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveSent = true
}

// ResetAfterLoad clears the intent slot and the guard. Called when a load
// completes or a BFCache restore revives the page, and when the session
// leaves the removed state.
func (c *Classifier) ResetAfterLoad() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intent = IntentUnknown
	c.leaveSent = false
}
