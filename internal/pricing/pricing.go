// Package pricing implements the Price Calculator (spec §4.5): the pure
// function turning a book snapshot, position, and volatility reading into
// bid/ask price and quantity decisions. Adapted from the teacher's
// Avellaneda-Stoikov reservation-price/optimal-spread computation in
// strategy.Maker.computeQuotes, replaced here with the distance-bps +
// inventory-skew + break-even-reversion + volatility-widening algorithm
// this domain specifies, kept in the teacher's shape: one pure calculation
// function, decimal throughout, tick rounding as the final step.
package pricing

import (
	"github.com/shopspring/decimal"

	"perpmm/internal/state"
)

// StrategyMode selects the base-distance rule in step 1.
type StrategyMode string

const (
	ModeUptime StrategyMode = "uptime"
	ModeRebate StrategyMode = "rebate"
)

// Params are the MMConfig fields the calculator reads. All bps values are
// plain float64 config inputs, converted to decimal in the step that reads
// them; all price arithmetic is done in decimal.
type Params struct {
	Mode               StrategyMode
	OrderDistanceBps   float64
	InventorySkewOn    bool
	PushBps            float64
	PullBps            float64
	BreakEvenWeight    float64 // 0 = disabled, 1 = full reversion to entry
	PauseThresholdBps  float64 // volatility widening kicks in above 0.7x this
	OrderSize          decimal.Decimal
	MaxPosition        decimal.Decimal
}

// Inputs are the per-tick observed values.
type Inputs struct {
	Book          state.OrderBookSnapshot
	Position      decimal.Decimal
	AvgEntryPrice decimal.Decimal // zero if no position tracked
	VolatilityBps decimal.Decimal
	Symbol        state.Symbol

	// FlowMultiplier is the toxic-flow spread multiplier from FlowTracker,
	// composed with the volatility-widen step. Pass decimal.NewFromInt(1)
	// when flow detection is disabled.
	FlowMultiplier decimal.Decimal
}

// Quote is the calculator's full output for one tick.
type Quote struct {
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskQty   decimal.Decimal
	AllowBid bool
	AllowAsk bool
}

var (
	bps10000 = decimal.NewFromInt(10000)
	two      = decimal.NewFromInt(2)
)

// Calculate runs the full §4.5 algorithm.
func Calculate(p Params, in Inputs) Quote {
	mid := in.Book.Mid()

	bid, ask := baseDistance(p, in, mid)
	bid, ask = inventorySkew(p, in, bid, ask)
	bid, ask = breakEvenReversion(p, in, bid, ask)
	bid, ask = volatilityWiden(p, in, mid, bid, ask)
	bid, ask = applyFlowMultiplier(in, mid, bid, ask)

	bid = in.Symbol.RoundPriceDown(bid)
	ask = in.Symbol.RoundPriceUp(ask)

	allowBid := bid.LessThan(in.Book.BestAsk)
	allowAsk := ask.GreaterThan(in.Book.BestBid)

	qty := in.Symbol.RoundQty(p.OrderSize)

	if !p.MaxPosition.IsZero() {
		if in.Position.GreaterThanOrEqual(p.MaxPosition) {
			allowBid = false
		}
		if in.Position.LessThanOrEqual(p.MaxPosition.Neg()) {
			allowAsk = false
		}
	}

	return Quote{
		BidPrice: bid,
		AskPrice: ask,
		BidQty:   qty,
		AskQty:   qty,
		AllowBid: allowBid,
		AllowAsk: allowAsk,
	}
}

// step 1: base distance
func baseDistance(p Params, in Inputs, mid decimal.Decimal) (bid, ask decimal.Decimal) {
	if p.Mode == ModeRebate {
		return in.Book.BestBid, in.Book.BestAsk
	}
	d := decimal.NewFromFloat(p.OrderDistanceBps)
	factor := d.Div(bps10000)
	bid = mid.Mul(decimal.NewFromInt(1).Sub(factor))
	ask = mid.Mul(decimal.NewFromInt(1).Add(factor))
	return bid, ask
}

// step 2: inventory skew
func inventorySkew(p Params, in Inputs, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !p.InventorySkewOn || p.MaxPosition.IsZero() {
		return bid, ask
	}

	r := in.Position.Div(p.MaxPosition)
	one := decimal.NewFromInt(1)
	if r.GreaterThan(one) {
		r = one
	}
	if r.LessThan(one.Neg()) {
		r = one.Neg()
	}

	minRZero := r
	if minRZero.GreaterThan(decimal.Zero) {
		minRZero = decimal.Zero
	}

	push := decimal.NewFromFloat(p.PushBps)
	pull := decimal.NewFromFloat(p.PullBps)

	bidFactor := r.Mul(push).Sub(minRZero.Mul(pull)).Div(bps10000)
	askFactor := r.Mul(push).Add(minRZero.Mul(pull)).Div(bps10000)

	bid = bid.Mul(one.Sub(bidFactor))
	ask = ask.Mul(one.Add(askFactor))
	return bid, ask
}

// step 3: break-even reversion
func breakEvenReversion(p Params, in Inputs, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if p.BreakEvenWeight <= 0 || in.AvgEntryPrice.IsZero() || in.Position.IsZero() {
		return bid, ask
	}

	w := decimal.NewFromFloat(p.BreakEvenWeight)
	one := decimal.NewFromInt(1)

	// Long position: the closing side is the ask. Short position: the
	// closing side is the bid. Nudge only the closing side toward entry.
	if in.Position.GreaterThan(decimal.Zero) {
		ask = ask.Mul(one.Sub(w)).Add(in.AvgEntryPrice.Mul(w))
	} else {
		bid = bid.Mul(one.Sub(w)).Add(in.AvgEntryPrice.Mul(w))
	}
	return bid, ask
}

// step 4: volatility widening
func volatilityWiden(p Params, in Inputs, mid, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	threshold := decimal.NewFromFloat(p.PauseThresholdBps).Mul(decimal.NewFromFloat(0.7))
	if in.VolatilityBps.LessThanOrEqual(threshold) || threshold.IsZero() {
		return bid, ask
	}

	// Linear widen from 1x at the threshold up to 2x at 2x the threshold,
	// capped at 2x.
	ratio := in.VolatilityBps.Div(threshold)
	one := decimal.NewFromInt(1)
	widen := one.Add(ratio.Sub(one))
	if widen.GreaterThan(two) {
		widen = two
	}
	if widen.LessThan(one) {
		widen = one
	}

	bidDist := mid.Sub(bid).Mul(widen)
	askDist := ask.Sub(mid).Mul(widen)

	return mid.Sub(bidDist), mid.Add(askDist)
}

// applyFlowMultiplier composes the supplemental toxic-flow widening (see
// flow.go) with whatever volatility widening already applied.
func applyFlowMultiplier(in Inputs, mid, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	mult := in.FlowMultiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	if mult.Equal(decimal.NewFromInt(1)) {
		return bid, ask
	}
	bidDist := mid.Sub(bid).Mul(mult)
	askDist := ask.Sub(mid).Mul(mult)
	return mid.Sub(bidDist), mid.Add(askDist)
}
