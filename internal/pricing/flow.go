// Toxic-flow-aware spread widening, supplemental to spec §4.5 (see
// SPEC_FULL.md item 1). Adapted from strategy.FlowTracker: a rolling
// window of fills reduced to a directional-imbalance + fill-velocity
// toxicity score, producing an extra spread multiplier applied on top of
// the volatility-widening step.
package pricing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/state"
)

type flowSample struct {
	at   time.Time
	side state.Side
}

// FlowTracker computes a toxicity-driven spread multiplier, separate from
// (and composed after) Calculate's volatility widening.
type FlowTracker struct {
	mu sync.Mutex

	window           time.Duration
	toxicityThreshold float64
	cooldown         time.Duration
	maxMultiplier    float64

	fills         []flowSample
	lastToxicTime time.Time
}

// NewFlowTracker creates a tracker. window bounds the fill history used for
// the toxicity score; cooldown is how long the widened spread persists
// after flow stops looking toxic.
func NewFlowTracker(window time.Duration, toxicityThreshold float64, cooldown time.Duration, maxMultiplier float64) *FlowTracker {
	return &FlowTracker{
		window:            window,
		toxicityThreshold: toxicityThreshold,
		cooldown:          cooldown,
		maxMultiplier:     maxMultiplier,
	}
}

// AddFill records a fill for toxicity scoring.
func (f *FlowTracker) AddFill(at time.Time, side state.Side) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fills = append(f.fills, flowSample{at: at, side: side})
	f.evictStaleLocked(at)

	if f.toxicityLocked() >= f.toxicityThreshold {
		f.lastToxicTime = at
	}
}

func (f *FlowTracker) evictStaleLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.fills) && f.fills[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		f.fills = f.fills[i:]
	}
}

// toxicityLocked computes a 0..1 composite score: directional imbalance
// weighted 0.6, fill velocity (normalized against 3 fills/window) weighted 0.4.
func (f *FlowTracker) toxicityLocked() float64 {
	if len(f.fills) == 0 {
		return 0
	}

	var buys, sells int
	for _, s := range f.fills {
		if s.side == state.Buy {
			buys++
		} else {
			sells++
		}
	}
	total := buys + sells
	imbalance := 0.0
	if total > 0 {
		diff := buys - sells
		if diff < 0 {
			diff = -diff
		}
		imbalance = float64(diff) / float64(total)
	}

	velocity := float64(total) / 3.0
	if velocity > 1.0 {
		velocity = 1.0
	}

	return 0.6*imbalance + 0.4*velocity
}

// Multiplier returns the extra spread multiplier to compose with the
// volatility-widen step: 1.0 when flow is not toxic and the cooldown has
// elapsed, decaying linearly back to 1.0 during cooldown, and scaled by the
// normalized toxicity score while actively toxic.
func (f *FlowTracker) Multiplier(now time.Time) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.evictStaleLocked(now)
	score := f.toxicityLocked()

	if score >= f.toxicityThreshold {
		norm := score
		if norm > 1.0 {
			norm = 1.0
		}
		mult := 1.0 + norm*(f.maxMultiplier-1.0)
		return decimal.NewFromFloat(mult)
	}

	if f.lastToxicTime.IsZero() {
		return decimal.NewFromInt(1)
	}

	elapsed := now.Sub(f.lastToxicTime)
	if elapsed >= f.cooldown {
		return decimal.NewFromInt(1)
	}

	remaining := 1.0 - elapsed.Seconds()/f.cooldown.Seconds()
	mult := 1.0 + remaining*(f.maxMultiplier-1.0)
	return decimal.NewFromFloat(mult)
}

// IsToxic reports whether the current window's toxicity score is at or
// above the configured threshold.
func (f *FlowTracker) IsToxic() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toxicityLocked() >= f.toxicityThreshold
}
