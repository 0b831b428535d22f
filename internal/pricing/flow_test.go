package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/state"
)

func TestFlowTrackerCalmReturnsUnityMultiplier(t *testing.T) {
	f := NewFlowTracker(30*time.Second, 0.65, 60*time.Second, 2.0)
	if f.IsToxic() {
		t.Fatalf("expected not toxic with no fills")
	}
	if !f.Multiplier(time.Now()).Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected unity multiplier with no fills")
	}
}

func TestFlowTrackerDirectionalImbalanceTrippesToxicity(t *testing.T) {
	f := NewFlowTracker(30*time.Second, 0.5, 60*time.Second, 2.0)
	base := time.Now()

	// All same-side fills: imbalance = 1.0, velocity component capped at 1.0
	// too -> score = 1.0, well above the 0.5 threshold.
	f.AddFill(base, state.Buy)
	f.AddFill(base.Add(time.Second), state.Buy)
	f.AddFill(base.Add(2*time.Second), state.Buy)

	if !f.IsToxic() {
		t.Fatalf("expected toxic flow after three same-side fills")
	}
	mult := f.Multiplier(base.Add(2 * time.Second))
	if !mult.GreaterThan(decimal.NewFromInt(1)) {
		t.Errorf("expected multiplier > 1 while toxic, got %v", mult)
	}
}

func TestFlowTrackerBalancedFlowStaysCalm(t *testing.T) {
	f := NewFlowTracker(30*time.Second, 0.5, 60*time.Second, 2.0)
	base := time.Now()

	f.AddFill(base, state.Buy)
	f.AddFill(base.Add(time.Second), state.Sell)

	if f.IsToxic() {
		t.Fatalf("expected balanced buy/sell flow to stay below toxicity threshold")
	}
}

func TestFlowTrackerCooldownDecaysToUnity(t *testing.T) {
	f := NewFlowTracker(3*time.Second, 0.3, 10*time.Second, 2.0)
	base := time.Now()

	f.AddFill(base, state.Buy)
	f.AddFill(base.Add(time.Second), state.Buy)
	f.AddFill(base.Add(2*time.Second), state.Buy)

	// Shortly after: the window still holds enough of the burst to read
	// as actively toxic.
	midBurst := f.Multiplier(base.Add(4 * time.Second))
	if !midBurst.GreaterThan(decimal.NewFromInt(1)) {
		t.Errorf("expected elevated multiplier while still inside the fill window, got %v", midBurst)
	}

	// Once the window has evicted the whole burst and the cooldown since
	// the last toxic reading (at base+2s) has fully elapsed.
	afterCooldown := f.Multiplier(base.Add(15 * time.Second))
	if !afterCooldown.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected unity multiplier after cooldown elapsed, got %v", afterCooldown)
	}
}

func TestFlowTrackerEvictsStaleFillsOutsideWindow(t *testing.T) {
	f := NewFlowTracker(5*time.Second, 0.5, 3*time.Second, 2.0)
	base := time.Now()

	f.AddFill(base, state.Buy)
	f.AddFill(base.Add(time.Second), state.Buy)
	f.AddFill(base.Add(2*time.Second), state.Buy)

	if !f.IsToxic() {
		t.Fatalf("expected toxic immediately after the burst")
	}

	// Once both the window has evicted the burst and the 3s cooldown from
	// the last toxic reading (at base+2s) has fully elapsed.
	if !f.Multiplier(base.Add(10 * time.Second)).Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected unity multiplier once fills evicted and cooldown elapsed")
	}
}
