package transcript

import (
	"sync"
	"time"
)

// DefaultTypingQuiet is how long after the last keystroke the typing
// indicator clears.
const DefaultTypingQuiet = time.Second

// TypingIndicator is the local-only, timer-debounced "is typing" flag.
// Cosmetic: the only guarantee is that it eventually clears.
type TypingIndicator struct {
	mu       sync.Mutex
	quiet    time.Duration
	timer    *time.Timer
	active   bool
	onChange func(bool)
}

// NewTypingIndicator creates an indicator with the given quiet period
// (DefaultTypingQuiet when non-positive). onChange fires on each edge
// and may be nil.
func NewTypingIndicator(quiet time.Duration, onChange func(bool)) *TypingIndicator {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &TypingIndicator{quiet: quiet, onChange: onChange}
}

// Touch records a keystroke, activating the indicator and restarting
// the quiet timer.
func (ti *TypingIndicator) Touch() {
	ti.mu.Lock()
	wasActive := ti.active
	ti.active = true
	if ti.timer == nil {
		ti.timer = time.AfterFunc(ti.quiet, ti.expire)
	} else {
		ti.timer.Reset(ti.quiet)
	}
	ti.mu.Unlock()

	if !wasActive && ti.onChange != nil {
		ti.onChange(true)
	}
}

// Active reports whether the user is currently considered typing.
func (ti *TypingIndicator) Active() bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.active
}

// Stop clears the indicator immediately.
func (ti *TypingIndicator) Stop() {
	ti.mu.Lock()
	if ti.timer != nil {
		ti.timer.Stop()
	}
	wasActive := ti.active
	ti.active = false
	ti.mu.Unlock()

	if wasActive && ti.onChange != nil {
		ti.onChange(false)
	}
}

func (ti *TypingIndicator) expire() {
	ti.mu.Lock()
	wasActive := ti.active
	ti.active = false
	ti.mu.Unlock()

	if wasActive && ti.onChange != nil {
		ti.onChange(false)
	}
}
