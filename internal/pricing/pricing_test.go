package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpmm/internal/state"
)

func testSymbol() state.Symbol {
	return state.Symbol{
		Name:     "BTC-USD",
		TickSize: decimal.NewFromFloat(0.5),
		QtyStep:  decimal.NewFromFloat(0.001),
		MinQty:   decimal.NewFromFloat(0.001),
	}
}

func baseParams() Params {
	return Params{
		Mode:             ModeUptime,
		OrderDistanceBps: 15,
		OrderSize:        decimal.NewFromFloat(0.01),
		MaxPosition:      decimal.NewFromFloat(0.1),
	}
}

func baseInputs() Inputs {
	return Inputs{
		Book:           state.OrderBookSnapshot{BestBid: decimal.NewFromInt(99990), BestAsk: decimal.NewFromInt(100010)},
		FlowMultiplier: decimal.NewFromInt(1),
		Symbol:         testSymbol(),
	}
}

func TestCalculateBaseDistanceStraddlesMid(t *testing.T) {
	q := Calculate(baseParams(), baseInputs())

	if !q.BidPrice.LessThan(decimal.NewFromInt(100000)) {
		t.Errorf("expected bid below mid, got %v", q.BidPrice)
	}
	if !q.AskPrice.GreaterThan(decimal.NewFromInt(100000)) {
		t.Errorf("expected ask above mid, got %v", q.AskPrice)
	}
	if !q.AllowBid || !q.AllowAsk {
		t.Errorf("expected both sides allowed for a flat book/position, got bid=%v ask=%v", q.AllowBid, q.AllowAsk)
	}
}

func TestCalculateRebateModeUsesTopOfBook(t *testing.T) {
	p := baseParams()
	p.Mode = ModeRebate
	in := baseInputs()

	q := Calculate(p, in)
	if !q.BidPrice.Equal(in.Symbol.RoundPriceDown(in.Book.BestBid)) {
		t.Errorf("rebate mode bid = %v, want best bid %v", q.BidPrice, in.Book.BestBid)
	}
	if !q.AskPrice.Equal(in.Symbol.RoundPriceUp(in.Book.BestAsk)) {
		t.Errorf("rebate mode ask = %v, want best ask %v", q.AskPrice, in.Book.BestAsk)
	}
}

func TestCalculateMaxPositionBlocksOverweightSide(t *testing.T) {
	p := baseParams()
	in := baseInputs()
	in.Position = decimal.NewFromFloat(0.1) // at MaxPosition, long

	q := Calculate(p, in)
	if q.AllowBid {
		t.Errorf("expected bid blocked at max long position")
	}
	if !q.AllowAsk {
		t.Errorf("expected ask still allowed to reduce long position")
	}
}

func TestCalculateMaxPositionBlocksOverweightShort(t *testing.T) {
	p := baseParams()
	in := baseInputs()
	in.Position = decimal.NewFromFloat(-0.1)

	q := Calculate(p, in)
	if q.AllowAsk {
		t.Errorf("expected ask blocked at max short position")
	}
	if !q.AllowBid {
		t.Errorf("expected bid still allowed to reduce short position")
	}
}

func TestCalculateInventorySkewPushesAwayFromOverweightSide(t *testing.T) {
	p := baseParams()
	p.InventorySkewOn = true
	p.PushBps = 10
	p.PullBps = 5

	flat := baseInputs()
	flat.Position = decimal.Zero
	qFlat := Calculate(p, flat)

	long := baseInputs()
	long.Position = decimal.NewFromFloat(0.05) // half of max position, long
	qLong := Calculate(p, long)

	// Skewed toward long should push the ask further away (ask factor grows
	// with r·push_bps) relative to the flat-position baseline.
	if !qLong.AskPrice.GreaterThan(qFlat.AskPrice) {
		t.Errorf("expected ask to widen further from mid when long, got long=%v flat=%v", qLong.AskPrice, qFlat.AskPrice)
	}
}

func TestCalculateBreakEvenReversionNudgesClosingSide(t *testing.T) {
	p := baseParams()
	p.BreakEvenWeight = 1.0 // full reversion

	in := baseInputs()
	in.Position = decimal.NewFromFloat(0.05) // long: ask is the closing side
	in.AvgEntryPrice = decimal.NewFromInt(100000)

	q := Calculate(p, in)
	// Full reversion weight collapses the ask onto (tick-rounded) entry price.
	want := in.Symbol.RoundPriceUp(in.AvgEntryPrice)
	if !q.AskPrice.Equal(want) {
		t.Errorf("AskPrice = %v, want %v (full break-even reversion)", q.AskPrice, want)
	}
}

func TestCalculateVolatilityWidensSpread(t *testing.T) {
	p := baseParams()
	p.PauseThresholdBps = 50

	calm := baseInputs()
	calm.VolatilityBps = decimal.Zero
	qCalm := Calculate(p, calm)

	volatile := baseInputs()
	volatile.VolatilityBps = decimal.NewFromInt(100) // well above 0.7*50
	qVolatile := Calculate(p, volatile)

	if !qVolatile.AskPrice.GreaterThan(qCalm.AskPrice) {
		t.Errorf("expected wider ask under high volatility, got volatile=%v calm=%v", qVolatile.AskPrice, qCalm.AskPrice)
	}
	if !qVolatile.BidPrice.LessThan(qCalm.BidPrice) {
		t.Errorf("expected wider bid under high volatility, got volatile=%v calm=%v", qVolatile.BidPrice, qCalm.BidPrice)
	}
}

func TestCalculateFlowMultiplierWidensSpread(t *testing.T) {
	p := baseParams()

	base := baseInputs()
	qBase := Calculate(p, base)

	toxic := baseInputs()
	toxic.FlowMultiplier = decimal.NewFromFloat(2.0)
	qToxic := Calculate(p, toxic)

	if !qToxic.AskPrice.GreaterThan(qBase.AskPrice) {
		t.Errorf("expected wider ask under toxic flow multiplier")
	}
	if !qToxic.BidPrice.LessThan(qBase.BidPrice) {
		t.Errorf("expected wider bid under toxic flow multiplier")
	}
}

func TestCalculateRoundsToTickAndQtyStep(t *testing.T) {
	p := baseParams()
	p.OrderSize = decimal.NewFromFloat(0.0015)
	in := baseInputs()

	q := Calculate(p, in)
	if !q.BidQty.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("BidQty = %v, want floor-rounded to qty step 0.001", q.BidQty)
	}
	// prices must land exactly on the 0.5 tick
	remBid := q.BidPrice.Mod(decimal.NewFromFloat(0.5))
	if !remBid.IsZero() {
		t.Errorf("BidPrice %v not aligned to tick size 0.5", q.BidPrice)
	}
}
