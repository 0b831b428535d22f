// Package liquidation implements the Liquidation Guard (spec §4.9): a
// deterministic one-shot latch on margin-ratio/liquidation-distance
// breach. Unlike the risk manager's auto-expiring kill-switch cooldown
// (internal/risk.Manager, which clears itself after CooldownAfterKill),
// this latch does NOT self-clear — spec §4.9 requires it stay
// Paused(LiquidationGuard) until an operator explicitly calls Clear. The
// risk manager's time-based cooldown is the wrong model for this
// component and is deliberately not reused here.
package liquidation

import (
	"sync"
)

// Signal carries the position-stream values the Guard watches.
type Signal struct {
	MarginRatio            float64
	LiquidationDistancePct float64
}

// Thresholds configures the breach conditions.
type Thresholds struct {
	MarginRatioThreshold    float64
	LiqDistanceThresholdPct float64
}

// Guard is the one-shot latch. Once Fired, Check always returns true until
// Clear is called.
type Guard struct {
	mu       sync.Mutex
	cfg      Thresholds
	fired    bool
	reason   string
}

func New(cfg Thresholds) *Guard {
	return &Guard{cfg: cfg}
}

// Check evaluates a new signal and returns true if the guard is (now or
// already) latched.
func (g *Guard) Check(sig Signal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		return true
	}

	if sig.MarginRatio <= g.cfg.MarginRatioThreshold {
		g.fired = true
		g.reason = "margin ratio breach"
		return true
	}
	if sig.LiquidationDistancePct <= g.cfg.LiqDistanceThresholdPct {
		g.fired = true
		g.reason = "liquidation distance breach"
		return true
	}
	return false
}

// IsFired reports the latch state without evaluating a new signal.
func (g *Guard) IsFired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// Reason returns the breach description, empty if not fired.
func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Clear requires explicit operator action; there is no automatic timeout.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fired = false
	g.reason = ""
}
