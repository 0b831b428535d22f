// Package hedge implements the Hedge Engine (spec §4.8): a fill-driven
// opposing-order dispatcher against a secondary account, plus a periodic
// net-exposure sweep. Runs on its own cooperative task and never blocks
// the Executor tick — grounded on the unhedged-timeout/reorder/
// force-stoploss pattern in velocityhedgehold's monitorHedgeAndStoploss,
// adapted from a per-fill goroutine watching Polymarket complementary
// tokens into a single-symbol perp hedge against a second Adapter account.
package hedge

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/state"
)

// Config tunes retry/backoff and sweep cadence.
type Config struct {
	Enabled         bool
	MaxUnhedged     decimal.Decimal
	SweepInterval   time.Duration
	Timeout         time.Duration
	MaxRetries      int
}

// Engine dispatches hedges against a secondary-account Adapter.
type Engine struct {
	cfg     Config
	hedgeAd adapter.Adapter
	logger  *slog.Logger

	fills chan state.FillEvent

	primaryPos func() decimal.Decimal
	hedgePos   func(ctx context.Context) (decimal.Decimal, error)

	onFailure func(reason string)
}

// New creates a Hedge Engine. primaryPos reads the Executor's current
// primary-account position (read-only, no lock contention with the tick
// since State exposes it via copy-on-read). onFailure is called on a final
// retry exhaustion with a short reason; cmd/mm logs it as an error line.
func New(cfg Config, hedgeAdapter adapter.Adapter, logger *slog.Logger, primaryPos func() decimal.Decimal, onFailure func(reason string)) *Engine {
	return &Engine{
		cfg:        cfg,
		hedgeAd:    hedgeAdapter,
		logger:     logger.With("component", "hedge"),
		fills:      make(chan state.FillEvent, 256),
		primaryPos: primaryPos,
		onFailure:  onFailure,
	}
}

// Fills returns the channel the Executor publishes primary fills onto.
// Breaks the cyclic Executor<->Hedge reference: the Hedge Engine only
// subscribes, it never calls back into the Executor.
func (e *Engine) Fills() chan<- state.FillEvent { return e.fills }

// Run drives both triggers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}

	sweepEvery := e.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-e.fills:
			e.handleFill(ctx, fill)
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// handleFill submits an opposing order sized to the fill, retrying with
// exponential backoff up to MaxRetries before recording a hedge_failure.
func (e *Engine) handleFill(ctx context.Context, fill state.FillEvent) {
	opposite := fill.Side.Opposite()
	qty := fill.Qty

	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		_, err := e.hedgeAd.Place(callCtx, adapter.PlaceRequest{
			ClientOrderID: "hedge-" + fill.OrderID,
			Side:          opposite,
			Price:         fill.Price,
			Qty:           qty,
		})
		cancel()

		if err == nil {
			return
		}

		e.logger.Warn("hedge place failed", "attempt", attempt, "err", err)
		if attempt < e.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	e.logger.Error("hedge_failure", "order_id", fill.OrderID, "qty", qty.String())
	if e.onFailure != nil {
		e.onFailure("hedge dispatch exhausted retries for fill " + fill.OrderID)
	}
}

// sweep computes net = position[primary] + position[hedge] and places a
// reducing order on whichever side owns the imbalance if it exceeds
// MaxUnhedged.
func (e *Engine) sweep(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	hedgePos, err := e.hedgeAd.GetPosition(callCtx)
	cancel()
	if err != nil {
		e.logger.Warn("hedge sweep: get_position failed", "err", err)
		return
	}

	primary := e.primaryPos()
	net := primary.Add(hedgePos)

	if net.Abs().LessThanOrEqual(e.cfg.MaxUnhedged) {
		return
	}

	side := state.Sell
	if net.LessThan(decimal.Zero) {
		side = state.Buy
	}

	placeCtx, cancel2 := context.WithTimeout(ctx, e.cfg.Timeout)
	_, err = e.hedgeAd.Place(placeCtx, adapter.PlaceRequest{
		ClientOrderID: "hedge-sweep",
		Side:          side,
		Qty:           net.Abs(),
	})
	cancel2()
	if err != nil {
		e.logger.Warn("hedge sweep: reducing order failed", "err", err)
	}
}
