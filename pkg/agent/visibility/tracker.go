// Package visibility computes the tab's foreground state from the document
// visibility and window focus signals the host environment feeds it.
package visibility

import (
	"sync"
	"time"
)

// State is the debounced foreground/background state of a tab.
type State string

const (
	Foreground State = "foreground"
	Background State = "background"
)

// DefaultDebounce absorbs transient blurs such as devtools focus or OS
// overlays before a transition is committed.
const DefaultDebounce = 500 * time.Millisecond

// Tracker combines visibility and focus into a single debounced state. The
// initial state is foreground regardless of the signals at load; the first
// real event corrects it.
type Tracker struct {
	mu       sync.Mutex
	visible  bool
	focused  bool
	state    State
	debounce time.Duration
	timer    *time.Timer

	onState      []func(State)
	onForeground []func()
}

// NewTracker creates a tracker with the given debounce interval.
func NewTracker(debounce time.Duration) *Tracker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Tracker{
		visible:  true,
		focused:  true,
		state:    Foreground,
		debounce: debounce,
	}
}

// State returns the current committed state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnState registers a handler fired on every committed change.
func (t *Tracker) OnState(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

// OnBecameForeground registers a handler fired on the background-to-
// foreground edge only.
func (t *Tracker) OnBecameForeground(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onForeground = append(t.onForeground, fn)
}

// SetVisible feeds the document visibility signal.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	t.recomputeLocked()
	t.mu.Unlock()
}

// SetFocused feeds the window focus signal.
func (t *Tracker) SetFocused(focused bool) {
	t.mu.Lock()
	t.focused = focused
	t.recomputeLocked()
	t.mu.Unlock()
}

// recomputeLocked schedules or cancels the debounce timer. A target equal
// to the committed state cancels any pending transition (the transient blur
// case); a differing target restarts the timer.
func (t *Tracker) recomputeLocked() {
	target := Background
	if t.visible && t.focused {
		target = Foreground
	}

	if target == t.state {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, func() { t.commit(target) })
}

func (t *Tracker) commit(target State) {
	t.mu.Lock()
	// Re-check against the live signals: they may have changed again while
	// the timer was pending.
	current := Background
	if t.visible && t.focused {
		current = Foreground
	}
	if current != target || t.state == target {
		t.mu.Unlock()
		return
	}
	t.state = target
	t.timer = nil
	onState := make([]func(State), len(t.onState))
	copy(onState, t.onState)
	var onForeground []func()
	if target == Foreground {
		onForeground = make([]func(), len(t.onForeground))
		copy(onForeground, t.onForeground)
	}
	t.mu.Unlock()

	for _, fn := range onState {
		fn(target)
	}
	for _, fn := range onForeground {
		fn()
	}
}
