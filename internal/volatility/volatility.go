// Package volatility implements the Volatility Tracker: a rolling window
// of (timestamp, mid) samples reduced to a basis-points range, gating quote
// pausing/resuming with hysteresis so the engine doesn't flap across the
// pause threshold on every tick.
//
// Grounded on the risk manager's priceAnchor rapid-movement detector, which
// this generalizes from a single anchor-vs-now comparison into a proper
// rolling window, and adds the stable_seconds hysteresis the anchor
// approach lacks entirely.
package volatility

import (
	"time"

	"github.com/shopspring/decimal"
)

type sample struct {
	at  time.Time
	mid decimal.Decimal
}

// Tracker computes a rolling volatility estimate and pause/resume decisions.
type Tracker struct {
	window time.Duration

	pauseThresholdBps  decimal.Decimal
	resumeThresholdBps decimal.Decimal
	stableFor          time.Duration

	samples []sample

	paused           bool
	belowResumeSince time.Time // zero = not currently below resume threshold
}

// New creates a Tracker. pauseThresholdBps/resumeThresholdBps are in basis
// points of the window's (max-min)/latest range; resumeThresholdBps should
// be <= pauseThresholdBps to produce real hysteresis. stableSeconds is how
// long the bps reading must stay at or below resumeThresholdBps before
// resuming.
func New(windowSec int, pauseThresholdBps, resumeThresholdBps float64, stableSeconds int) *Tracker {
	return &Tracker{
		window:             time.Duration(windowSec) * time.Second,
		pauseThresholdBps:  decimal.NewFromFloat(pauseThresholdBps),
		resumeThresholdBps: decimal.NewFromFloat(resumeThresholdBps),
		stableFor:          time.Duration(stableSeconds) * time.Second,
	}
}

// Observe records a new mid-price sample and evicts samples older than the
// window.
func (t *Tracker) Observe(now time.Time, mid decimal.Decimal) {
	t.samples = append(t.samples, sample{at: now, mid: mid})

	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = t.samples[i:]
	}
}

// CurrentBps returns (max-min)/latest*10000 over the current window. Zero
// if fewer than two samples are present.
func (t *Tracker) CurrentBps() decimal.Decimal {
	if len(t.samples) < 2 {
		return decimal.Zero
	}

	minV := t.samples[0].mid
	maxV := t.samples[0].mid
	for _, s := range t.samples[1:] {
		if s.mid.LessThan(minV) {
			minV = s.mid
		}
		if s.mid.GreaterThan(maxV) {
			maxV = s.mid
		}
	}

	latest := t.samples[len(t.samples)-1].mid
	if latest.IsZero() {
		return decimal.Zero
	}

	return maxV.Sub(minV).Div(latest).Mul(decimal.NewFromInt(10000))
}

// ShouldPause reports whether the tracker is currently in the paused state,
// updating internal hysteresis bookkeeping from the sample recorded by the
// most recent Observe call. Call Observe once per tick before ShouldPause.
func (t *Tracker) ShouldPause(now time.Time) bool {
	bps := t.CurrentBps()

	if !t.paused {
		if bps.GreaterThan(t.pauseThresholdBps) {
			t.paused = true
			t.belowResumeSince = time.Time{}
		}
		return t.paused
	}

	// Already paused: require stable_seconds of readings at or below the
	// resume threshold before clearing the pause.
	if bps.GreaterThan(t.resumeThresholdBps) {
		t.belowResumeSince = time.Time{}
		return true
	}

	if t.belowResumeSince.IsZero() {
		t.belowResumeSince = now
		return true
	}

	if now.Sub(t.belowResumeSince) >= t.stableFor {
		t.paused = false
		t.belowResumeSince = time.Time{}
		return false
	}

	return true
}

// IsPaused returns the last computed pause state without re-evaluating.
func (t *Tracker) IsPaused() bool { return t.paused }
