// Package throttle implements the Order Throttle: a per-side minimum
// interval between place calls to the same side, closing the race
// where a slow venue response would otherwise let the Executor fire a
// second place for a side that already has one in flight.
package throttle

import (
	"sync"
	"time"

	"perpmm/internal/state"
)

// Throttle tracks, per side, the timestamp of the last recorded action and
// whether an action is currently in flight.
type Throttle struct {
	mu        sync.Mutex
	interval  time.Duration
	lastAt    map[state.Side]time.Time
	inFlight  map[state.Side]bool
}

// New creates a Throttle enforcing interval between actions on the same side.
func New(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		lastAt:   make(map[state.Side]time.Time),
		inFlight: make(map[state.Side]bool),
	}
}

// Allow reports whether a new action may start on side now: the minimum
// interval has elapsed since the last recorded action AND no action is
// currently in flight on that side.
func (t *Throttle) Allow(side state.Side, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inFlight[side] {
		return false
	}
	last, ok := t.lastAt[side]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.interval
}

// Begin records the action as in-flight BEFORE the caller issues the async
// adapter call. This ordering is the entire point of the component: if the
// record happened after the call returned, a second tick racing the first
// call's in-flight window could issue a duplicate place on the same
// side.
func (t *Throttle) Begin(side state.Side, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[side] = true
	t.lastAt[side] = now
}

// End clears the in-flight flag once the adapter call has returned
// (success or failure — the interval still governs the next attempt).
func (t *Throttle) End(side state.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[side] = false
}
