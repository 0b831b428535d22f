package hedge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/state"
)

// fakeHedgeAdapter scripts Place/GetPosition outcomes and records calls.
type fakeHedgeAdapter struct {
	mu sync.Mutex

	placeErrs  []error // consumed in order, one per Place call; nil/empty means always succeed
	placeCalls []adapter.PlaceRequest

	position    decimal.Decimal
	positionErr error
}

func (f *fakeHedgeAdapter) Place(ctx context.Context, req adapter.PlaceRequest) (adapter.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls = append(f.placeCalls, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return adapter.PlaceResult{}, err
		}
	}
	return adapter.PlaceResult{OrderID: "hedge-ok"}, nil
}
func (f *fakeHedgeAdapter) Cancel(ctx context.Context, orderID string) error { return nil }
func (f *fakeHedgeAdapter) ListOpenOrders(ctx context.Context) ([]state.OrderInfo, error) {
	return nil, nil
}
func (f *fakeHedgeAdapter) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, f.positionErr
}
func (f *fakeHedgeAdapter) GetOrderBook(ctx context.Context, depth int) (state.OrderBookSnapshot, error) {
	return state.OrderBookSnapshot{}, nil
}
func (f *fakeHedgeAdapter) MarketCloseAll(ctx context.Context) error { return nil }
func (f *fakeHedgeAdapter) Stream() <-chan state.StreamEvent         { return nil }
func (f *fakeHedgeAdapter) Symbol(ctx context.Context) (state.Symbol, error) {
	return state.Symbol{}, nil
}
func (f *fakeHedgeAdapter) Close() error { return nil }

func (f *fakeHedgeAdapter) calls() []adapter.PlaceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]adapter.PlaceRequest, len(f.placeCalls))
	copy(out, f.placeCalls)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleFillPlacesOppositeSide(t *testing.T) {
	fa := &fakeHedgeAdapter{}
	e := New(Config{MaxRetries: 2, Timeout: time.Second}, fa, testLogger(), func() decimal.Decimal { return decimal.Zero }, nil)

	e.handleFill(context.Background(), state.FillEvent{
		OrderID: "ord-1", Side: state.Buy, Price: decimal.NewFromInt(100), Qty: decimal.NewFromFloat(0.01),
	})

	calls := fa.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one Place call, got %d", len(calls))
	}
	if calls[0].Side != state.Sell {
		t.Errorf("expected hedge on the opposite side (sell), got %v", calls[0].Side)
	}
	if !calls[0].Qty.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("expected hedge qty to match the fill qty, got %v", calls[0].Qty)
	}
}

func TestHandleFillRetriesThenSucceeds(t *testing.T) {
	fa := &fakeHedgeAdapter{placeErrs: []error{errors.New("transient"), errors.New("transient"), nil}}
	e := New(Config{MaxRetries: 3, Timeout: time.Second}, fa, testLogger(), func() decimal.Decimal { return decimal.Zero }, nil)

	e.handleFill(context.Background(), state.FillEvent{OrderID: "ord-1", Side: state.Sell, Qty: decimal.NewFromFloat(0.01)})

	if len(fa.calls()) != 3 {
		t.Errorf("expected 3 Place attempts before success, got %d", len(fa.calls()))
	}
}

func TestHandleFillExhaustsRetriesAndReportsFailure(t *testing.T) {
	fa := &fakeHedgeAdapter{placeErrs: []error{errors.New("e"), errors.New("e"), errors.New("e")}}
	var failureReason string
	onFailure := func(reason string) { failureReason = reason }

	e := New(Config{MaxRetries: 2, Timeout: time.Second}, fa, testLogger(), func() decimal.Decimal { return decimal.Zero }, onFailure)
	e.handleFill(context.Background(), state.FillEvent{OrderID: "ord-9", Qty: decimal.NewFromFloat(0.01)})

	if len(fa.calls()) != 3 { // attempts 0,1,2 = MaxRetries+1
		t.Errorf("expected MaxRetries+1 attempts, got %d", len(fa.calls()))
	}
	if failureReason == "" {
		t.Errorf("expected onFailure to be invoked after exhausting retries")
	}
}

func TestSweepSkipsWhenWithinTolerance(t *testing.T) {
	fa := &fakeHedgeAdapter{position: decimal.NewFromFloat(-0.01)}
	e := New(Config{MaxUnhedged: decimal.NewFromFloat(0.02), Timeout: time.Second}, fa, testLogger(),
		func() decimal.Decimal { return decimal.NewFromFloat(0.01) }, nil)

	e.sweep(context.Background())
	if len(fa.calls()) != 0 {
		t.Errorf("expected no reducing order within tolerance, got %d calls", len(fa.calls()))
	}
}

func TestSweepPlacesReducingOrderWhenOverTolerance(t *testing.T) {
	fa := &fakeHedgeAdapter{position: decimal.NewFromFloat(-0.01)}
	e := New(Config{MaxUnhedged: decimal.NewFromFloat(0.02), Timeout: time.Second}, fa, testLogger(),
		func() decimal.Decimal { return decimal.NewFromFloat(0.1) }, nil)

	e.sweep(context.Background())
	calls := fa.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one reducing order, got %d", len(calls))
	}
	// net = 0.1 - 0.01 = 0.09 long overall -> reduce by selling.
	if calls[0].Side != state.Sell {
		t.Errorf("expected reducing sell for net-long exposure, got %v", calls[0].Side)
	}
	if !calls[0].Qty.Equal(decimal.NewFromFloat(0.09)) {
		t.Errorf("expected reducing qty 0.09, got %v", calls[0].Qty)
	}
}

func TestSweepSkipsOnGetPositionError(t *testing.T) {
	fa := &fakeHedgeAdapter{positionErr: errors.New("boom")}
	e := New(Config{MaxUnhedged: decimal.NewFromFloat(0.01), Timeout: time.Second}, fa, testLogger(),
		func() decimal.Decimal { return decimal.NewFromFloat(0.5) }, nil)

	e.sweep(context.Background())
	if len(fa.calls()) != 0 {
		t.Errorf("expected no placement attempted when get_position fails")
	}
}
