package visibility

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialStateIsForeground(t *testing.T) {
	tracker := NewTracker(10 * time.Millisecond)
	assert.Equal(t, Foreground, tracker.State())
}

func TestBackgroundRequiresDebounce(t *testing.T) {
	tracker := NewTracker(30 * time.Millisecond)

	tracker.SetFocused(false)
	assert.Equal(t, Foreground, tracker.State(), "transition must wait out the debounce")

	require.Eventually(t, func() bool {
		return tracker.State() == Background
	}, time.Second, 5*time.Millisecond)
}

func TestTransientBlurIsAbsorbed(t *testing.T) {
	tracker := NewTracker(50 * time.Millisecond)

	var changes atomic.Int32
	tracker.OnState(func(State) { changes.Add(1) })

	// Blur then refocus inside the debounce window, as devtools focus does.
	tracker.SetFocused(false)
	time.Sleep(10 * time.Millisecond)
	tracker.SetFocused(true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Foreground, tracker.State())
	assert.Equal(t, int32(0), changes.Load(), "no state event for an absorbed blur")
}

func TestForegroundRequiresVisibilityAndFocus(t *testing.T) {
	tracker := NewTracker(10 * time.Millisecond)

	tracker.SetVisible(false)
	require.Eventually(t, func() bool {
		return tracker.State() == Background
	}, time.Second, 5*time.Millisecond)

	// Focus alone is not enough while the document stays hidden.
	tracker.SetFocused(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Background, tracker.State())

	tracker.SetVisible(true)
	require.Eventually(t, func() bool {
		return tracker.State() == Foreground
	}, time.Second, 5*time.Millisecond)
}

func TestBecameForegroundFiresOnEdgeOnly(t *testing.T) {
	tracker := NewTracker(10 * time.Millisecond)

	var edges atomic.Int32
	tracker.OnBecameForeground(func() { edges.Add(1) })

	tracker.SetVisible(false)
	require.Eventually(t, func() bool {
		return tracker.State() == Background
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), edges.Load())

	tracker.SetVisible(true)
	require.Eventually(t, func() bool {
		return edges.Load() == 1
	}, time.Second, 5*time.Millisecond)
}
