// Package state holds the authoritative in-process view of the quoting
// engine: per-side order slots, the signed position, aggregate counters,
// and the run status. Only the Executor tick mutates it; every other
// component is handed a read-only snapshot.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle stage of a local OrderInfo slot.
type OrderStatus string

const (
	StatusPending          OrderStatus = "pending"
	StatusOpen             OrderStatus = "open"
	StatusPartiallyFilled  OrderStatus = "partially_filled"
	StatusFilled           OrderStatus = "filled"
	StatusCanceledOrUnknown OrderStatus = "canceled_or_unknown"
)

// PauseReason names why the engine is not quoting.
type PauseReason string

const (
	ReasonNone             PauseReason = ""
	ReasonVolatilityHigh   PauseReason = "volatility_high"
	ReasonHardStop         PauseReason = "hard_stop"
	ReasonLiquidationGuard PauseReason = "liquidation_guard"
	ReasonOperatorStop     PauseReason = "operator_stop"
	ReasonAdapterUnhealthy PauseReason = "adapter_unhealthy"
)

// RunStatus is the coarse engine state: Running, Paused(reason), or Stopped.
type RunStatus struct {
	Phase  string      // "running", "paused", "stopped"
	Reason PauseReason // populated only when Phase == "paused"
}

func Running() RunStatus { return RunStatus{Phase: "running"} }
func Stopped() RunStatus { return RunStatus{Phase: "stopped"} }
func Paused(reason PauseReason) RunStatus {
	return RunStatus{Phase: "paused", Reason: reason}
}

func (s RunStatus) IsRunning() bool { return s.Phase == "running" }
func (s RunStatus) IsPaused(reason PauseReason) bool {
	return s.Phase == "paused" && s.Reason == reason
}
func (s RunStatus) IsPausedAny() bool { return s.Phase == "paused" }

// Symbol carries the immutable metadata fetched once per session.
type Symbol struct {
	Name     string
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// RoundPriceDown rounds a price down to the nearest tick.
func (s Symbol) RoundPriceDown(p decimal.Decimal) decimal.Decimal {
	return roundToStep(p, s.TickSize, decimal.Decimal.Floor)
}

// RoundPriceUp rounds a price up to the nearest tick.
func (s Symbol) RoundPriceUp(p decimal.Decimal) decimal.Decimal {
	return roundToStep(p, s.TickSize, decimal.Decimal.Ceil)
}

// RoundQty rounds a quantity down to the nearest qty step, floored at MinQty.
func (s Symbol) RoundQty(q decimal.Decimal) decimal.Decimal {
	rounded := roundToStep(q, s.QtyStep, decimal.Decimal.Floor)
	if rounded.LessThan(s.MinQty) {
		return s.MinQty
	}
	return rounded
}

func roundToStep(v, step decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := round(v.Div(step))
	return units.Mul(step)
}

// DepthLevel is one price/qty level of the order book.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBookSnapshot is the latest top-of-book view. Invariant: BestAsk >
// BestBid > 0, enforced by whoever produces it (the Adapter). Bids/Asks
// are best-to-worst depth beyond the top, populated when the source
// reports more than top-of-book (§4.1's GetOrderBook depth parameter);
// nil when only top-of-book is available, in which case depth-based
// checks (AdverseRank) are skipped rather than false-triggered.
type OrderBookSnapshot struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Bids      []DepthLevel
	Asks      []DepthLevel
	Timestamp time.Time
}

// Mid returns the arithmetic mid of best bid and ask.
func (b OrderBookSnapshot) Mid() decimal.Decimal {
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// AdverseRank reports how deep price has pushed into the opposite side's
// reported depth for an order resting on side: 0 means it has already
// reached or crossed the adverse side's best level, i meaning it has
// reached the i-th level, and -1 meaning it has not reached any reported
// adverse level (or no depth was reported). Used by the Executor's
// queue-position cancel rule (spec §4.7 step 9).
func (b OrderBookSnapshot) AdverseRank(side Side, price decimal.Decimal) int {
	levels := b.Asks
	if side == Sell {
		levels = b.Bids
	}
	for i, l := range levels {
		var crossed bool
		if side == Buy {
			crossed = price.GreaterThanOrEqual(l.Price)
		} else {
			crossed = price.LessThanOrEqual(l.Price)
		}
		if crossed {
			return i
		}
	}
	return -1
}

// OrderInfo tracks one side's resting order, local and venue-observed.
type OrderInfo struct {
	OrderID        string // venue-assigned, empty until acked
	ClientOrderID  string // locally generated, always set
	Side           Side
	Price          decimal.Decimal
	Qty            decimal.Decimal // original
	CumFilled      decimal.Decimal
	Status         OrderStatus
	PlacedAt       time.Time
	LastSeenRemoteAt time.Time
	DisappearedSince time.Time // zero value = not currently missing
}

// Remaining returns the unfilled quantity.
func (o OrderInfo) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.CumFilled)
}

// IsActive reports whether the slot counts toward the single-order-per-side invariant.
func (o OrderInfo) IsActive() bool {
	switch o.Status {
	case StatusPending, StatusOpen, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// FillEvent is one execution report. The stream is monotone by Timestamp.
// Dedup drops exact (OrderID, CumFilled) repeats only; a fill whose
// CumFilled is lower than one already seen for the same order is not
// rejected.
type FillEvent struct {
	OrderID       string
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal // incremental qty of this fill
	CumFilled     decimal.Decimal // cumulative filled qty on this order after this fill
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// PositionKey identifies a position by venue and symbol.
type PositionKey struct {
	Venue  string
	Symbol string
}

// OperationLogEntry is one line of the append-only audit trail (§6 Event surface).
type OperationLogEntry struct {
	Timestamp time.Time
	Action    string // place, cancel, rebalance, fill, hedge, pause, resume
	Side      Side
	Price     decimal.Decimal
	Reason    string
}

// State is the authoritative in-process view. Only the Executor tick
// mutates it (Mutate); every other consumer reads through Snapshot, which
// copies out so readers never race the next tick's drain.
type State struct {
	mu sync.RWMutex

	symbol Symbol
	status RunStatus

	orders map[Side]*OrderInfo // nil entry = no local order on that side

	positions map[PositionKey]decimal.Decimal
	avgEntry  map[PositionKey]decimal.Decimal // volume-weighted average entry price, primary venue only

	book OrderBookSnapshot

	consecutiveRestFailures int
	hardStopEnteredAt       time.Time
	resumeConfirmCounter    int

	lastTickAt time.Time

	opLog    []OperationLogEntry
	opLogCap int

	recentFills    []FillEvent
	recentFillsCap int
}

// New creates an empty State for the given symbol metadata.
func New(symbol Symbol) *State {
	return &State{
		symbol:         symbol,
		status:         Running(),
		orders:         make(map[Side]*OrderInfo),
		positions:      make(map[PositionKey]decimal.Decimal),
		avgEntry:       make(map[PositionKey]decimal.Decimal),
		opLogCap:       500,
		recentFillsCap: 200,
	}
}

// Mutate runs fn with the write lock held. Only the Executor should call this.
func (s *State) Mutate(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Symbol returns the immutable symbol metadata.
func (s *State) Symbol() Symbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol
}

// Status returns the current run status.
func (s *State) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the run status. The Set*/Append* mutation helpers
// take no lock; they assume the caller already holds it (called from
// within Mutate).
func (s *State) SetStatus(status RunStatus) {
	s.status = status
}

// Order returns a copy of the order slot for a side, or nil if empty.
func (s *State) Order(side Side) *OrderInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.orders[side]
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// SetOrder installs or clears the order slot for a side (nil clears it).
func (s *State) SetOrder(side Side, info *OrderInfo) {
	if info == nil {
		delete(s.orders, side)
		return
	}
	s.orders[side] = info
}

// OrderLocked returns the live order slot pointer for a side without
// locking or copying. Callers must already hold the write lock (i.e. be
// inside Mutate) — Order() itself RLocks and must never be called from
// inside a Mutate closure, since Go's RWMutex is not reentrant and doing
// so deadlocks the tick loop against itself.
func (s *State) OrderLocked(side Side) *OrderInfo {
	return s.orders[side]
}

// Book returns the latest order book snapshot.
func (s *State) Book() OrderBookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book
}

// SetBook installs the latest order book snapshot.
func (s *State) SetBook(b OrderBookSnapshot) {
	s.book = b
}

// Position returns the signed position for (venue, symbol); zero if untracked.
func (s *State) Position(key PositionKey) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[key]; ok {
		return p
	}
	return decimal.Zero
}

// SetPosition overwrites the signed position for (venue, symbol).
func (s *State) SetPosition(key PositionKey, qty decimal.Decimal) {
	s.positions[key] = qty
}

// AddPosition adds a signed delta to the position for (venue, symbol).
func (s *State) AddPosition(key PositionKey, delta decimal.Decimal) decimal.Decimal {
	cur := s.positions[key]
	next := cur.Add(delta)
	s.positions[key] = next
	return next
}

// AvgEntry returns the tracked volume-weighted average entry price.
func (s *State) AvgEntry(key PositionKey) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avgEntry[key]
}

// SetAvgEntry overwrites the tracked average entry price.
func (s *State) SetAvgEntry(key PositionKey, price decimal.Decimal) {
	s.avgEntry[key] = price
}

// AvgEntryLocked reads the tracked average entry price without locking.
// Callers must already hold the write lock (i.e. be inside Mutate); see
// OrderLocked for why AvgEntry() itself must not be called from there.
func (s *State) AvgEntryLocked(key PositionKey) decimal.Decimal {
	return s.avgEntry[key]
}

// ConsecutiveRestFailures returns the current streak of failed
// list_open_orders calls (drives Safe Mode in the Reconciliation Gate).
func (s *State) ConsecutiveRestFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveRestFailures
}

func (s *State) SetConsecutiveRestFailures(n int) {
	s.consecutiveRestFailures = n
}

// HardStopEnteredAt returns when the engine last transitioned into hard-stop.
func (s *State) HardStopEnteredAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardStopEnteredAt
}

func (s *State) SetHardStopEnteredAt(t time.Time) {
	s.hardStopEnteredAt = t
}

// ResumeConfirmCounter returns the count of consecutive ticks satisfying the
// hard-stop resume inequality.
func (s *State) ResumeConfirmCounter() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeConfirmCounter
}

func (s *State) SetResumeConfirmCounter(n int) {
	s.resumeConfirmCounter = n
}

func (s *State) SetLastTickAt(t time.Time) {
	s.lastTickAt = t
}

func (s *State) LastTickAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTickAt
}

// AppendOpLog records one audit entry, trimming to the configured ring size.
func (s *State) AppendOpLog(e OperationLogEntry) {
	s.opLog = append(s.opLog, e)
	if len(s.opLog) > s.opLogCap {
		s.opLog = s.opLog[len(s.opLog)-s.opLogCap:]
	}
}

// OpLog returns a copy of the most recent operation-log entries.
func (s *State) OpLog() []OperationLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OperationLogEntry, len(s.opLog))
	copy(out, s.opLog)
	return out
}

// AppendFill records a fill into the recent-fills ring (§6 "ring of most recent N").
func (s *State) AppendFill(f FillEvent) {
	s.recentFills = append(s.recentFills, f)
	if len(s.recentFills) > s.recentFillsCap {
		s.recentFills = s.recentFills[len(s.recentFills)-s.recentFillsCap:]
	}
}

// RecentFills returns a copy of the most recent fills.
func (s *State) RecentFills() []FillEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FillEvent, len(s.recentFills))
	copy(out, s.recentFills)
	return out
}

// Snapshot is a read-only, copy-on-read view handed to the dashboard façade.
type Snapshot struct {
	Symbol    Symbol
	Status    RunStatus
	Orders    map[Side]*OrderInfo
	Position  decimal.Decimal
	AvgEntry  decimal.Decimal
	Book      OrderBookSnapshot
	LastTick  time.Time
	OpLog     []OperationLogEntry
	RecentFills []FillEvent
}

// Snapshot copies out the full state for the primary venue/symbol pair.
func (s *State) Snapshot(primaryVenue string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make(map[Side]*OrderInfo, len(s.orders))
	for side, o := range s.orders {
		cp := *o
		orders[side] = &cp
	}

	key := PositionKey{Venue: primaryVenue, Symbol: s.symbol.Name}

	opLog := make([]OperationLogEntry, len(s.opLog))
	copy(opLog, s.opLog)

	fills := make([]FillEvent, len(s.recentFills))
	copy(fills, s.recentFills)

	return Snapshot{
		Symbol:      s.symbol,
		Status:      s.status,
		Orders:      orders,
		Position:    s.positions[key],
		AvgEntry:    s.avgEntry[key],
		Book:        s.book,
		LastTick:    s.lastTickAt,
		OpLog:       opLog,
		RecentFills: fills,
	}
}
