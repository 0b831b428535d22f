package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/dedup"
	"perpmm/internal/pricing"
	"perpmm/internal/reconcile"
	"perpmm/internal/state"
	"perpmm/internal/throttle"
	"perpmm/internal/volatility"
)

// fakeAdapter scripts venue responses for the tick loop under test.
type fakeAdapter struct {
	book        state.OrderBookSnapshot
	openOrders  []state.OrderInfo
	stream      chan state.StreamEvent
	placeResult adapter.PlaceResult
	placeErr    error
	placeCalls  []adapter.PlaceRequest
	cancelCalls []string
	closeAllCalls int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		book:   state.OrderBookSnapshot{BestBid: decimal.NewFromInt(99990), BestAsk: decimal.NewFromInt(100010), Timestamp: time.Now()},
		stream: make(chan state.StreamEvent, 16),
	}
}

func (f *fakeAdapter) Place(ctx context.Context, req adapter.PlaceRequest) (adapter.PlaceResult, error) {
	f.placeCalls = append(f.placeCalls, req)
	if f.placeErr != nil {
		return adapter.PlaceResult{}, f.placeErr
	}
	if f.placeResult.OrderID == "" {
		return adapter.PlaceResult{OrderID: "venue-" + req.ClientOrderID}, nil
	}
	return f.placeResult, nil
}
func (f *fakeAdapter) Cancel(ctx context.Context, orderID string) error {
	f.cancelCalls = append(f.cancelCalls, orderID)
	return nil
}
func (f *fakeAdapter) ListOpenOrders(ctx context.Context) ([]state.OrderInfo, error) {
	return f.openOrders, nil
}
func (f *fakeAdapter) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetOrderBook(ctx context.Context, depth int) (state.OrderBookSnapshot, error) {
	return f.book, nil
}
func (f *fakeAdapter) MarketCloseAll(ctx context.Context) error {
	f.closeAllCalls++
	return nil
}
func (f *fakeAdapter) Stream() <-chan state.StreamEvent { return f.stream }
func (f *fakeAdapter) Symbol(ctx context.Context) (state.Symbol, error) {
	return state.Symbol{}, nil
}
func (f *fakeAdapter) Close() error { return nil }

var _ adapter.Adapter = (*fakeAdapter)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSymbol() state.Symbol {
	return state.Symbol{
		Name:     "BTC-USD",
		TickSize: decimal.NewFromFloat(0.5),
		QtyStep:  decimal.NewFromFloat(0.001),
		MinQty:   decimal.NewFromFloat(0.001),
	}
}

func newTestExecutor(t *testing.T, fa *fakeAdapter) (*Executor, *state.State) {
	t.Helper()
	st := state.New(testSymbol())
	vol := volatility.New(60, 10000, 5000, 1) // effectively never trips pause in these tests
	dd := dedup.NewMemDeduper(time.Minute, 1000)
	th := throttle.New(0) // no throttling delay, simplifies assertions
	gate := reconcile.New(fa)

	cfg := Config{
		TickInterval:         100 * time.Millisecond,
		DisappearGrace:       time.Second,
		CancelDistanceBps:    decimal.NewFromInt(3),
		RebalanceDistanceBps: decimal.NewFromInt(8),
		PrimaryVenue:         "sim",
		HardStop: HardStopConfig{
			HardStopPosition:   decimal.NewFromFloat(0.2),
			ResumePosition:     decimal.NewFromFloat(0.05),
			CooldownSec:        0,
			ResumeConfirmCount: 1,
		},
	}
	pricingCfg := pricing.Params{
		Mode:             pricing.ModeUptime,
		OrderDistanceBps: 15,
		OrderSize:        decimal.NewFromFloat(0.01),
		MaxPosition:      decimal.NewFromFloat(0.2),
	}

	e := New(cfg, pricingCfg, fa, st, vol, dd, th, gate, nil, nil, testLogger(), nil, nil)
	return e, st
}

func TestTickPlacesBothSidesOnCleanBook(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	e.tick(context.Background())

	if len(fa.placeCalls) != 2 {
		t.Fatalf("expected both sides placed on a clean first tick, got %d calls", len(fa.placeCalls))
	}
	if st.Order(state.Buy) == nil || st.Order(state.Sell) == nil {
		t.Errorf("expected both order slots populated after placement")
	}
}

func TestTickHardStopCancelsAndPauses(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	st.Mutate(func(s *state.State) {
		s.SetOrder(state.Buy, &state.OrderInfo{OrderID: "b1", Side: state.Buy, Status: state.StatusOpen})
		s.SetPosition(state.PositionKey{Venue: "sim", Symbol: "BTC-USD"}, decimal.NewFromFloat(0.25))
	})

	e.tick(context.Background())

	if !st.Status().IsPaused(state.ReasonHardStop) {
		t.Fatalf("expected hard stop pause, got status %+v", st.Status())
	}
	if len(fa.cancelCalls) != 1 {
		t.Errorf("expected existing order canceled on hard stop entry, got %d cancels", len(fa.cancelCalls))
	}
}

func TestTickHardStopResumesBelowThreshold(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	st.Mutate(func(s *state.State) {
		s.SetStatus(state.Paused(state.ReasonHardStop))
		s.SetHardStopEnteredAt(time.Now().Add(-time.Hour))
		s.SetPosition(state.PositionKey{Venue: "sim", Symbol: "BTC-USD"}, decimal.NewFromFloat(0.01))
	})

	e.tick(context.Background())

	if !st.Status().IsRunning() {
		t.Errorf("expected resume to running status, got %+v", st.Status())
	}
}

func TestTickAppliesFillFromStream(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	st.Mutate(func(s *state.State) {
		s.SetOrder(state.Buy, &state.OrderInfo{
			OrderID: "b1", Side: state.Buy, Price: decimal.NewFromInt(99990),
			Qty: decimal.NewFromFloat(0.01), Status: state.StatusOpen,
		})
	})
	fa.stream <- state.StreamEvent{
		Kind: adapter.StreamEventFill,
		Fill: state.FillEvent{
			OrderID: "b1", Side: state.Buy, Price: decimal.NewFromInt(99990),
			Qty: decimal.NewFromFloat(0.01), CumFilled: decimal.NewFromFloat(0.01),
			Timestamp: time.Now(),
		},
	}

	e.tick(context.Background())

	pos := st.Position(state.PositionKey{Venue: "sim", Symbol: "BTC-USD"})
	if !pos.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("Position = %v, want 0.01 after full fill", pos)
	}
	// The fill clears the old slot; the same tick's placement step then
	// quotes a fresh bid, so the slot is repopulated under a new order id.
	if o := st.Order(state.Buy); o == nil || o.OrderID == "b1" {
		t.Errorf("expected a freshly placed bid replacing the filled order, got %+v", o)
	}
	fills := st.RecentFills()
	if len(fills) != 1 {
		t.Errorf("expected one recorded fill, got %d", len(fills))
	}
}

func TestTickDedupsRedeliveredFill(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	fill := state.FillEvent{
		OrderID: "b1", Side: state.Buy, Price: decimal.NewFromInt(99990),
		Qty: decimal.NewFromFloat(0.005), CumFilled: decimal.NewFromFloat(0.005),
		Timestamp: time.Now(),
	}
	fa.stream <- state.StreamEvent{Kind: adapter.StreamEventFill, Fill: fill}
	e.tick(context.Background())
	posAfterFirst := st.Position(state.PositionKey{Venue: "sim", Symbol: "BTC-USD"})

	fa.stream <- state.StreamEvent{Kind: adapter.StreamEventFill, Fill: fill}
	e.tick(context.Background())
	posAfterDup := st.Position(state.PositionKey{Venue: "sim", Symbol: "BTC-USD"})

	if !posAfterFirst.Equal(posAfterDup) {
		t.Errorf("expected redelivered fill to be deduped: first=%v dup=%v", posAfterFirst, posAfterDup)
	}
}

func TestTickCancelsOrderNearAdverseTopOfBook(t *testing.T) {
	fa := newFakeAdapter()
	e, st := newTestExecutor(t, fa)

	// Bid resting at best ask (100010). The adverse-distance check uses the
	// target bid (99850, 16 bps from best ask, outside CancelDistanceBps 3),
	// so the cancel comes from the 16 bps drift between resting price and
	// target, past RebalanceDistanceBps 8.
	st.Mutate(func(s *state.State) {
		s.SetOrder(state.Buy, &state.OrderInfo{
			OrderID: "b1", Side: state.Buy, Price: fa.book.BestAsk, Status: state.StatusOpen,
		})
	})

	e.tick(context.Background())

	if len(fa.cancelCalls) != 1 || fa.cancelCalls[0] != "b1" {
		t.Errorf("expected order near adverse top of book canceled, got %+v", fa.cancelCalls)
	}
}
