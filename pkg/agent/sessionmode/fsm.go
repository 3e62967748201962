// Package sessionmode owns the desktop session-mode state machine that
// drives both transport selection and server-side TTL. The transition rules
// live in a pure function so the machine stays auditable; the FSM wraps it
// with idle timers.
package sessionmode

import (
	"sync"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/pkg/agent/visibility"
)

// Mode is the session's refresh mode. Removed means the server record is
// gone and refreshes have stopped.
type Mode string

const (
	Active  Mode = "active"
	Passive Mode = "passive_active"
	Removed Mode = "removed"
)

// Event is an input to the transition function.
type Event int

const (
	// EvActivity is user input: click, key, touch, scroll.
	EvActivity Event = iota
	// EvBackground is the visibility tracker's foreground loss.
	EvBackground
	// EvBecameForeground is the background-to-foreground edge.
	EvBecameForeground
	// EvForegroundIdle fires after the foreground idle window (F) lapses.
	EvForegroundIdle
	// EvPassiveIdle fires after the passive idle window (P) lapses.
	EvPassiveIdle
)

// Default idle windows.
const (
	DefaultForegroundIdle = 5 * time.Minute
	DefaultPassiveIdle    = 4 * time.Minute
)

// Next is the pure transition function.
func Next(current Mode, ev Event) Mode {
	switch current {
	case Active:
		switch ev {
		case EvBackground, EvForegroundIdle:
			return Passive
		}
		return Active
	case Passive:
		switch ev {
		case EvActivity, EvBecameForeground:
			return Active
		case EvPassiveIdle:
			return Removed
		}
		return Passive
	case Removed:
		switch ev {
		case EvActivity, EvBecameForeground:
			return Active
		}
		return Removed
	}
	return current
}

// FSM runs the machine with real idle timers. On devices that are not
// desktop the machine is inert: visibility maps straight to active/passive
// and the removed state is never entered.
type FSM struct {
	mu      sync.Mutex
	mode    Mode
	desktop bool

	foregroundIdle time.Duration
	passiveIdle    time.Duration
	fTimer         *time.Timer
	pTimer         *time.Timer

	visState visibility.State

	onChange []func(old, new Mode)
}

// New creates the machine in active mode.
func New(desktop bool, foregroundIdle, passiveIdle time.Duration) *FSM {
	if foregroundIdle <= 0 {
		foregroundIdle = DefaultForegroundIdle
	}
	if passiveIdle <= 0 {
		passiveIdle = DefaultPassiveIdle
	}
	f := &FSM{
		mode:           Active,
		desktop:        desktop,
		foregroundIdle: foregroundIdle,
		passiveIdle:    passiveIdle,
		visState:       visibility.Foreground,
	}
	return f
}

// Start arms the initial idle timer.
func (f *FSM) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.desktop {
		f.armForegroundIdleLocked()
	}
}

// Mode returns the current mode.
func (f *FSM) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// OnChange registers a handler fired on every mode change. Handlers run on
// timer or caller goroutines.
func (f *FSM) OnChange(fn func(old, new Mode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = append(f.onChange, fn)
}

// Activity feeds user input. While active it only resets the foreground
// idle window; from passive or removed it reactivates the session.
func (f *FSM) Activity() {
	f.mu.Lock()
	if !f.desktop {
		f.mu.Unlock()
		return
	}
	if f.mode == Active {
		f.armForegroundIdleLocked()
		f.mu.Unlock()
		return
	}
	f.applyLocked(EvActivity)
}

// SetVisibility feeds the tracker's committed state.
func (f *FSM) SetVisibility(state visibility.State) {
	f.mu.Lock()
	prev := f.visState
	f.visState = state

	if !f.desktop {
		// Foreground means active; there is no removed state off desktop.
		target := Active
		if state == visibility.Background {
			target = Passive
		}
		f.setModeLocked(target)
		return
	}

	if state == visibility.Background {
		f.applyLocked(EvBackground)
		return
	}
	if prev == visibility.Background {
		f.applyLocked(EvBecameForeground)
		return
	}
	f.mu.Unlock()
}

// applyLocked runs one transition and releases the lock.
func (f *FSM) applyLocked(ev Event) {
	next := Next(f.mode, ev)
	f.setModeLocked(next)
}

// setModeLocked commits a mode, re-arms timers, and releases the lock
// before invoking handlers.
func (f *FSM) setModeLocked(next Mode) {
	old := f.mode
	if next == old {
		f.rearmLocked()
		f.mu.Unlock()
		return
	}
	f.mode = next
	f.rearmLocked()
	handlers := make([]func(Mode, Mode), len(f.onChange))
	copy(handlers, f.onChange)
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(old, next)
	}
}

func (f *FSM) rearmLocked() {
	if !f.desktop {
		return
	}
	f.stopTimersLocked()
	switch f.mode {
	case Active:
		f.armForegroundIdleLocked()
	case Passive:
		f.pTimer = time.AfterFunc(f.passiveIdle, func() {
			f.mu.Lock()
			if f.mode != Passive {
				f.mu.Unlock()
				return
			}
			f.applyLocked(EvPassiveIdle)
		})
	}
}

func (f *FSM) armForegroundIdleLocked() {
	f.stopTimersLocked()
	f.fTimer = time.AfterFunc(f.foregroundIdle, func() {
		f.mu.Lock()
		if f.mode != Active || f.visState != visibility.Foreground {
			f.mu.Unlock()
			return
		}
		f.applyLocked(EvForegroundIdle)
	})
}

func (f *FSM) stopTimersLocked() {
	if f.fTimer != nil {
		f.fTimer.Stop()
		f.fTimer = nil
	}
	if f.pTimer != nil {
		f.pTimer.Stop()
		f.pTimer = nil
	}
}

// Stop cancels the idle timers.
func (f *FSM) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimersLocked()
}
