// Package executor implements the Executor (spec §4.7): the single
// fixed-cadence, single-threaded cooperative tick loop that owns all
// mutation of MM State. Collapses the teacher's per-market goroutine
// orchestration (internal/engine.Engine with one marketSlot per active
// market, driven by a scanner) into one symbol's tick loop, since this
// domain is single-symbol by design (spec §1).
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/api"
	"perpmm/internal/dedup"
	"perpmm/internal/liquidation"
	"perpmm/internal/pricing"
	"perpmm/internal/reconcile"
	"perpmm/internal/state"
	"perpmm/internal/throttle"
	"perpmm/internal/volatility"
)

// HardStopConfig governs step 2/3 of the tick sequence.
type HardStopConfig struct {
	HardStopPosition   decimal.Decimal
	ResumePosition     decimal.Decimal
	CooldownSec        int
	ResumeConfirmCount int
}

// Config bundles the tick-level tunables that are not owned by a
// sub-component's own Config type.
type Config struct {
	TickInterval        time.Duration
	DisappearGrace      time.Duration
	CancelDistanceBps   decimal.Decimal
	RebalanceDistanceBps decimal.Decimal
	QueuePositionLimit  int
	HardStop            HardStopConfig
	PrimaryVenue        string
}

// Metrics holds the prometheus collectors the Executor publishes through
// the dashboard's /metrics route.
type Metrics struct {
	Ticks           prometheus.Counter
	OrdersPlaced    prometheus.Counter
	HardStopEvents  prometheus.Counter
	VolatilityBps   prometheus.Gauge
}

// NewMetrics registers the Executor's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_ticks_total", Help: "Executor ticks processed.",
		}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_orders_placed_total", Help: "Orders successfully placed.",
		}),
		HardStopEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_hard_stop_total", Help: "Hard-stop entries.",
		}),
		VolatilityBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mm_volatility_bps", Help: "Current volatility tracker reading, in bps.",
		}),
	}
	reg.MustRegister(m.Ticks, m.OrdersPlaced, m.HardStopEvents, m.VolatilityBps)
	return m
}

// Executor owns MM State and runs the tick loop.
type Executor struct {
	cfg        Config
	pricingCfg pricing.Params

	ad      adapter.Adapter
	st      *state.State
	vol     *volatility.Tracker
	dedup   dedup.Deduper
	throt   *throttle.Throttle
	gate    *reconcile.Gate
	flow    *pricing.FlowTracker
	metrics *Metrics
	logger  *slog.Logger

	hedgeFills chan<- state.FillEvent

	liqGuard  *liquidation.Guard
	liqSignal func(ctx context.Context) (liquidation.Signal, error)

	inventoryOn bool

	dashboardEvents chan api.DashboardEvent
	placedCount     int64
	canceledCount   int64
	fillCount       int64
}

// DashboardEvents returns the dashboard broadcast channel, or nil if the
// dashboard server was not wired in at construction.
func (e *Executor) DashboardEvents() <-chan api.DashboardEvent { return e.dashboardEvents }

// emitEvent is a non-blocking publish: a stalled or absent dashboard
// consumer must never slow the tick loop.
func (e *Executor) emitEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
		e.logger.Warn("dashboard event channel full, dropping event", "type", evt.Type)
	}
}

// StatusSnapshot projects current MM State into the Control surface's wire
// format for the dashboard's /api/snapshot and initial-WS-frame handlers.
func (e *Executor) StatusSnapshot() api.StatusSnapshot {
	snap := e.st.Snapshot(e.cfg.PrimaryVenue)
	counters := api.Counters{
		Placed:   int(atomic.LoadInt64(&e.placedCount)),
		Canceled: int(atomic.LoadInt64(&e.canceledCount)),
		Fills:    int(atomic.LoadInt64(&e.fillCount)),
	}
	return api.NewStatusSnapshot(snap, e.vol.CurrentBps(), counters)
}

// SetLiquidationGuard wires the Liquidation Guard and its position-stream
// signal source. signalFn queries the adapter for the latest margin-ratio
// and liquidation-distance reading; it may be nil if the venue does not
// expose margin streams, in which case step 4 is a no-op.
func (e *Executor) SetLiquidationGuard(guard *liquidation.Guard, signalFn func(ctx context.Context) (liquidation.Signal, error)) {
	e.liqGuard = guard
	e.liqSignal = signalFn
}

// New wires an Executor. hedgeFills may be nil if the Hedge Engine is disabled.
func New(
	cfg Config,
	pricingCfg pricing.Params,
	ad adapter.Adapter,
	st *state.State,
	vol *volatility.Tracker,
	dd dedup.Deduper,
	th *throttle.Throttle,
	gate *reconcile.Gate,
	flow *pricing.FlowTracker,
	metrics *Metrics,
	logger *slog.Logger,
	hedgeFills chan<- state.FillEvent,
	dashboardEvents chan api.DashboardEvent,
) *Executor {
	return &Executor{
		cfg:             cfg,
		pricingCfg:      pricingCfg,
		ad:              ad,
		st:              st,
		vol:             vol,
		dedup:           dd,
		throt:           th,
		gate:            gate,
		flow:            flow,
		metrics:         metrics,
		logger:          logger.With("component", "executor"),
		hedgeFills:      hedgeFills,
		dashboardEvents: dashboardEvents,
	}
}

// Run drives the fixed-cadence tick loop until ctx is cancelled, then
// performs the shutdown cancellation policy before returning.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one complete iteration of the §4.7 sequence. Errors from any
// Adapter call are classified and handled inline; none unwind out of tick.
func (e *Executor) tick(ctx context.Context) {
	now := time.Now()
	e.st.Mutate(func(s *state.State) { s.SetLastTickAt(now) })
	if e.metrics != nil {
		e.metrics.Ticks.Inc()
	}

	// Step 1: stream drain.
	e.drainStream(now)

	// Step 2: hard-stop auto-resume check.
	if e.st.Status().IsPaused(state.ReasonHardStop) {
		if e.hardStopResumeCheck(now) {
			e.logOp(now, "resume", "", decimal.Zero, "hard stop resumed")
		} else {
			return
		}
	}

	// Step 3: hard-stop entry check.
	if e.st.Status().IsRunning() {
		pos := e.currentPosition()
		if !e.cfg.HardStop.HardStopPosition.IsZero() && pos.Abs().GreaterThanOrEqual(e.cfg.HardStop.HardStopPosition) {
			e.enterHardStop(ctx, now)
			return
		}
	}

	// Step 4: Liquidation Guard.
	if e.st.Status().IsRunning() && e.liqGuard != nil && e.liqSignal != nil {
		sig, err := e.liqSignal(ctx)
		if err == nil && e.liqGuard.Check(sig) {
			e.st.Mutate(func(s *state.State) {
				s.SetStatus(state.Paused(state.ReasonLiquidationGuard))
				s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "pause", Reason: e.liqGuard.Reason()})
			})
			if err := e.ad.MarketCloseAll(ctx); err != nil {
				e.logger.Error("market_close_all failed after liquidation guard trip", "err", err)
			}
			return
		}
	}

	// Step 5: volatility pause/resume.
	e.volatilityCheck(ctx, now)

	// Step 6: if status != Running, end tick.
	if !e.st.Status().IsRunning() {
		return
	}

	// Step 7: fetch order book (best-effort cache; REST fallback on staleness).
	book := e.st.Book()
	if now.Sub(book.Timestamp) > 5*time.Second {
		fresh, err := e.ad.GetOrderBook(ctx, e.cfg.QueuePositionLimit)
		if err != nil {
			e.logger.Warn("order book REST fallback failed", "err", err)
			return
		}
		book = fresh
		e.st.Mutate(func(s *state.State) { s.SetBook(book) })
	}
	if book.BestBid.IsZero() || book.BestAsk.IsZero() {
		return
	}

	if e.metrics != nil {
		e.metrics.VolatilityBps.Set(volatilityFloat(e.vol.CurrentBps()))
	}

	// Step 8: Price Calculator.
	pos := e.currentPosition()
	avgEntry := e.st.AvgEntry(e.positionKey())
	flowMult := decimal.NewFromInt(1)
	if e.flow != nil {
		flowMult = e.flow.Multiplier(now)
	}
	quote := pricing.Calculate(e.pricingCfg, pricing.Inputs{
		Book:           book,
		Position:       pos,
		AvgEntryPrice:  avgEntry,
		VolatilityBps:  e.vol.CurrentBps(),
		Symbol:         e.st.Symbol(),
		FlowMultiplier: flowMult,
	})

	// Step 9: per-side cancel decisions on existing local orders.
	e.cancelDecision(ctx, now, state.Buy, quote, book)
	e.cancelDecision(ctx, now, state.Sell, quote, book)

	// Step 10: REST Reconciliation Gate.
	decision := e.gate.Run(ctx, now, e.st, e.throt, quote.AllowBid, quote.AllowAsk)
	if decision.SafeMode {
		return
	}

	// Step 11: place allowed sides.
	if decision.PlaceBid {
		e.place(ctx, now, state.Buy, quote.BidPrice, quote.BidQty)
	}
	if decision.PlaceAsk {
		e.place(ctx, now, state.Sell, quote.AskPrice, quote.AskQty)
	}
}

func (e *Executor) positionKey() state.PositionKey {
	return state.PositionKey{Venue: e.cfg.PrimaryVenue, Symbol: e.st.Symbol().Name}
}

func (e *Executor) currentPosition() decimal.Decimal {
	return e.st.Position(e.positionKey())
}

// drainStream applies all buffered adapter events: depth updates the book,
// order updates promote/clear local OrderInfo, fills pass through Event
// Dedup before mutating position.
func (e *Executor) drainStream(now time.Time) {
	for {
		select {
		case evt, ok := <-e.ad.Stream():
			if !ok {
				e.st.Mutate(func(s *state.State) {
					s.SetStatus(state.Paused(state.ReasonAdapterUnhealthy))
				})
				return
			}
			e.applyStreamEvent(now, evt)
		default:
			return
		}
	}
}

func (e *Executor) applyStreamEvent(now time.Time, evt adapter.StreamEvent) {
	switch evt.Kind {
	case adapter.StreamEventDepth:
		e.st.Mutate(func(s *state.State) { s.SetBook(evt.Depth) })

	case adapter.StreamEventOrderUpdate:
		e.st.Mutate(func(s *state.State) {
			for _, side := range []state.Side{state.Buy, state.Sell} {
				o := s.OrderLocked(side)
				if o == nil || (o.OrderID != evt.OrderUpdate.OrderID && o.ClientOrderID != evt.OrderUpdate.ClientOrderID) {
					continue
				}
				o.OrderID = evt.OrderUpdate.OrderID
				o.Status = evt.OrderUpdate.Status
				o.CumFilled = evt.OrderUpdate.CumFilled
				o.LastSeenRemoteAt = now
				s.SetOrder(side, o)
			}
		})

	case adapter.StreamEventFill:
		e.applyFill(now, evt.Fill)

	case adapter.StreamEventPosition:
		e.st.Mutate(func(s *state.State) { s.SetPosition(e.positionKey(), evt.Position.Qty) })
	}
}

func (e *Executor) applyFill(now time.Time, fill state.FillEvent) {
	key := dedup.NewKey(fill.OrderID, fill.CumFilled)
	if e.dedup.SeenBefore(key) {
		return
	}

	e.st.Mutate(func(s *state.State) {
		o := s.OrderLocked(fill.Side)
		if o != nil && (o.OrderID == fill.OrderID || o.ClientOrderID == fill.ClientOrderID) {
			o.CumFilled = fill.CumFilled
			if o.Remaining().LessThanOrEqual(decimal.Zero) {
				o.Status = state.StatusFilled
				s.SetOrder(fill.Side, nil)
			} else {
				o.Status = state.StatusPartiallyFilled
				s.SetOrder(fill.Side, o)
			}
		}

		delta := fill.Qty
		if fill.Side == state.Sell {
			delta = delta.Neg()
		}
		newPos := s.AddPosition(e.positionKey(), delta)

		oldPos := newPos.Sub(delta)
		if oldPos.IsZero() || sameSign(oldPos, delta) {
			prevEntry := s.AvgEntryLocked(e.positionKey())
			prevAbs := oldPos.Abs()
			newAbs := newPos.Abs()
			if newAbs.GreaterThan(decimal.Zero) {
				weighted := prevEntry.Mul(prevAbs).Add(fill.Price.Mul(fill.Qty)).Div(newAbs)
				s.SetAvgEntry(e.positionKey(), weighted)
			}
		}

		s.AppendFill(fill)
		s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "fill", Side: fill.Side, Price: fill.Price, Reason: "fill"})
	})

	atomic.AddInt64(&e.fillCount, 1)
	e.emitEvent(api.NewFillDashboardEvent(api.FillHistoryEntry{
		Timestamp: now, OrderID: fill.OrderID, Side: string(fill.Side), Price: fill.Price, Qty: fill.Qty,
	}))

	if e.flow != nil {
		e.flow.AddFill(now, fill.Side)
	}
	if e.hedgeFills != nil {
		select {
		case e.hedgeFills <- fill:
		default:
			e.logger.Warn("hedge fill channel full, dropping hedge signal", "order_id", fill.OrderID)
		}
	}
}

func sameSign(a, delta decimal.Decimal) bool {
	if a.IsZero() {
		return true
	}
	return (a.IsPositive() && delta.IsPositive()) || (a.IsNegative() && delta.IsNegative())
}

func (e *Executor) hardStopResumeCheck(now time.Time) bool {
	enteredAt := e.st.HardStopEnteredAt()
	cooldown := time.Duration(e.cfg.HardStop.CooldownSec) * time.Second
	if now.Sub(enteredAt) < cooldown {
		return false
	}

	pos := e.currentPosition()
	if pos.Abs().LessThan(e.cfg.HardStop.ResumePosition) {
		n := e.st.ResumeConfirmCounter() + 1
		if n >= e.cfg.HardStop.ResumeConfirmCount {
			e.st.Mutate(func(s *state.State) {
				s.SetStatus(state.Running())
				s.SetResumeConfirmCounter(0)
			})
			return true
		}
		e.st.Mutate(func(s *state.State) { s.SetResumeConfirmCounter(n) })
		return false
	}

	e.st.Mutate(func(s *state.State) { s.SetResumeConfirmCounter(0) })
	return false
}

func (e *Executor) enterHardStop(ctx context.Context, now time.Time) {
	e.cancelAll(ctx, now, "hard stop entry")
	e.st.Mutate(func(s *state.State) {
		s.SetStatus(state.Paused(state.ReasonHardStop))
		s.SetHardStopEnteredAt(now)
		s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "pause", Reason: "hard_stop"})
	})
	if e.metrics != nil {
		e.metrics.HardStopEvents.Inc()
	}
}

func (e *Executor) volatilityCheck(ctx context.Context, now time.Time) {
	book := e.st.Book()
	if book.BestBid.IsZero() {
		return
	}
	e.vol.Observe(now, book.Mid())

	shouldPause := e.vol.ShouldPause(now)
	status := e.st.Status()

	if shouldPause && status.IsRunning() {
		e.cancelAll(ctx, now, "volatility pause")
		e.st.Mutate(func(s *state.State) {
			s.SetStatus(state.Paused(state.ReasonVolatilityHigh))
			s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "pause", Reason: "volatility_high"})
		})
		return
	}

	if !shouldPause && status.IsPaused(state.ReasonVolatilityHigh) {
		e.st.Mutate(func(s *state.State) {
			s.SetStatus(state.Running())
			s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "resume", Reason: "volatility_stable"})
		})
	}
}

// cancelDecision implements tick step 9 for one side.
func (e *Executor) cancelDecision(ctx context.Context, now time.Time, side state.Side, quote pricing.Quote, book state.OrderBookSnapshot) {
	o := e.st.Order(side)
	if o == nil || !o.IsActive() {
		return
	}

	mid := book.Mid()
	target := quote.BidPrice
	adverse := book.BestAsk
	if side == state.Sell {
		target = quote.AskPrice
		adverse = book.BestBid
	}

	// §4.7 step 9 phrases the adverse-distance check against the freshly
	// computed target price, not the resting order's price — distinct from
	// the drift check below, which compares target against local_price.
	distToAdverse := target.Sub(adverse).Abs().Div(mid).Mul(decimal.NewFromInt(10000))
	if distToAdverse.LessThanOrEqual(e.cfg.CancelDistanceBps) {
		e.cancelOrder(ctx, now, side, o, "near adverse top of book")
		return
	}

	// The queue-position clause, unlike the one above, is phrased in terms
	// of "the local order" itself (its actual resting price), not the target.
	if e.cfg.QueuePositionLimit > 0 {
		if rank := book.AdverseRank(side, o.Price); rank != -1 && rank < e.cfg.QueuePositionLimit {
			e.cancelOrder(ctx, now, side, o, "within queue position limit on adverse side")
			return
		}
	}

	drift := target.Sub(o.Price).Abs().Div(mid).Mul(decimal.NewFromInt(10000))
	if drift.GreaterThanOrEqual(e.cfg.RebalanceDistanceBps) {
		e.cancelOrder(ctx, now, side, o, "rebalance")
	}
}

func (e *Executor) cancelOrder(ctx context.Context, now time.Time, side state.Side, o *state.OrderInfo, reason string) {
	if o.OrderID == "" {
		e.st.Mutate(func(s *state.State) { s.SetOrder(side, nil) })
		return
	}
	err := e.ad.Cancel(ctx, o.OrderID)
	if err != nil {
		var ae *adapter.AdapterError
		if errors.As(err, &ae) && ae.Kind == adapter.KindOrderNotFound {
			// Idempotent: already gone.
		} else {
			e.logger.Warn("cancel failed", "side", side, "err", err)
			return
		}
	}
	e.st.Mutate(func(s *state.State) {
		s.SetOrder(side, nil)
		s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "cancel", Side: side, Price: o.Price, Reason: reason})
	})
	atomic.AddInt64(&e.canceledCount, 1)
	e.emitEvent(api.NewOpLogDashboardEvent(api.OpLogEntry{Timestamp: now, Action: "cancel", Side: string(side), Price: o.Price, Reason: reason}))
}

func (e *Executor) place(ctx context.Context, now time.Time, side state.Side, price, qty decimal.Decimal) {
	e.throt.Begin(side, now)
	defer e.throt.End(side)

	clientID := newClientOrderID()
	result, err := e.ad.Place(ctx, adapter.PlaceRequest{
		ClientOrderID: clientID,
		Side:          side,
		Price:         price,
		Qty:           qty,
		PostOnly:      true,
	})

	if err != nil {
		var ae *adapter.AdapterError
		if errors.As(err, &ae) {
			switch ae.Kind {
			case adapter.KindPostOnlyRejected:
				e.st.Mutate(func(s *state.State) { s.SetOrder(side, nil) })
			case adapter.KindInsufficientFunds, adapter.KindPositionLimit:
				e.st.Mutate(func(s *state.State) {
					s.SetStatus(state.Paused(state.ReasonAdapterUnhealthy))
					s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "place", Side: side, Price: price, Reason: ae.Error()})
				})
			case adapter.KindUnknown:
				e.st.Mutate(func(s *state.State) {
					s.SetOrder(side, &state.OrderInfo{
						ClientOrderID: clientID, Side: side, Price: price, Qty: qty,
						Status: state.StatusPending, PlacedAt: now,
					})
				})
			}
		}
		e.logger.Warn("place failed", "side", side, "err", err)
		return
	}

	status := state.StatusOpen
	if result.Pending {
		status = state.StatusPending
	}
	e.st.Mutate(func(s *state.State) {
		s.SetOrder(side, &state.OrderInfo{
			OrderID: result.OrderID, ClientOrderID: clientID, Side: side,
			Price: price, Qty: qty, Status: status, PlacedAt: now, LastSeenRemoteAt: now,
		})
		s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: "place", Side: side, Price: price, Reason: "placed"})
	})
	atomic.AddInt64(&e.placedCount, 1)
	e.emitEvent(api.NewOpLogDashboardEvent(api.OpLogEntry{Timestamp: now, Action: "place", Side: string(side), Price: price, Reason: "placed"}))
	if e.metrics != nil {
		e.metrics.OrdersPlaced.Inc()
	}
}

func (e *Executor) logOp(now time.Time, action string, side state.Side, price decimal.Decimal, reason string) {
	e.st.Mutate(func(s *state.State) {
		s.AppendOpLog(state.OperationLogEntry{Timestamp: now, Action: action, Side: side, Price: price, Reason: reason})
	})
}

// cancelAll issues cancels for both sides, used by hard-stop entry,
// volatility pause, and shutdown.
func (e *Executor) cancelAll(ctx context.Context, now time.Time, reason string) {
	for _, side := range []state.Side{state.Buy, state.Sell} {
		if o := e.st.Order(side); o != nil && o.IsActive() {
			e.cancelOrder(ctx, now, side, o, reason)
		}
	}
}

// shutdown implements the cancellation policy on operator stop: issue
// cancels for all locally-known Open/Pending orders, then wait for ack or
// disappear_grace_sec before declaring clean.
func (e *Executor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DisappearGrace)
	defer cancel()

	now := time.Now()
	e.cancelAll(ctx, now, "shutdown")
	e.st.Mutate(func(s *state.State) { s.SetStatus(state.Stopped()) })
}

func newClientOrderID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func volatilityFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
