// Package adapter defines the Exchange Adapter trait: the boundary between
// the quoting core and a concrete venue connection. The Executor and its
// collaborators depend only on this interface; internal/exchangesim is the
// one concrete implementation in this tree, but the interface is what lets
// the Hedge Engine point at a second account (possibly a second venue)
// without the Executor caring.
package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/state"
)

// PlaceRequest describes a single order placement.
type PlaceRequest struct {
	ClientOrderID string
	Side          state.Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	PostOnly      bool
}

// PlaceResult is returned synchronously by Place; the venue-assigned
// OrderID may arrive later over the order-update stream for async venues,
// in which case OrderID here is empty and Pending is true.
type PlaceResult struct {
	OrderID string
	Pending bool
}

// Adapter is the venue-facing boundary. All methods are safe to call from
// a single goroutine (the Executor tick); implementations must not block
// indefinitely — callers pass a context with a deadline per spec §5.
type Adapter interface {
	// Place submits a new order. Returns AdapterError on rejection.
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)

	// Cancel cancels a resting order by venue order ID. OrderNotFound is
	// not an error the caller should treat as fatal — it means the order
	// is already gone.
	Cancel(ctx context.Context, orderID string) error

	// ListOpenOrders queries the venue's authoritative view of resting
	// orders for the adapter's symbol. Used by the REST Reconciliation Gate.
	ListOpenOrders(ctx context.Context) ([]state.OrderInfo, error)

	// GetPosition queries the venue's authoritative signed position.
	GetPosition(ctx context.Context) (decimal.Decimal, error)

	// GetOrderBook queries top-of-book plus depth levels directly (used at
	// startup before the depth stream has produced a snapshot, and as a
	// reconciliation fallback). depth is the number of levels per side to
	// request; 0 means top-of-book only.
	GetOrderBook(ctx context.Context, depth int) (state.OrderBookSnapshot, error)

	// MarketCloseAll flattens the position at the venue's best available
	// price. Used by the Executor when the Liquidation Guard trips.
	MarketCloseAll(ctx context.Context) error

	// Stream returns the channel of venue events. Closed when the adapter
	// shuts down or the connection is permanently lost.
	Stream() <-chan state.StreamEvent

	// Symbol returns the immutable symbol metadata fetched at session start.
	Symbol(ctx context.Context) (state.Symbol, error)

	// Close releases the adapter's connections.
	Close() error
}

// ErrorKind classifies an adapter failure into the taxonomy the Executor
// and Reconciliation Gate branch on.
type ErrorKind string

const (
	KindTransient         ErrorKind = "transient"
	KindRateLimited       ErrorKind = "rate_limited"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindPostOnlyRejected  ErrorKind = "post_only_rejected"
	KindOrderNotFound     ErrorKind = "order_not_found"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindPositionLimit     ErrorKind = "position_limit"
	KindUnknown           ErrorKind = "unknown"
)

// AdapterError wraps a raw transport/venue error with a classified Kind so
// callers can `errors.As` into it instead of string-matching at every call
// site.
type AdapterError struct {
	Kind ErrorKind
	Op   string // e.g. "place", "cancel", "list_open_orders"
	Err  error
}

func (e *AdapterError) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

func (k ErrorKind) String() string { return string(k) }

// IsRetryable reports whether the Executor may retry the same operation
// next tick without operator intervention.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// NewAdapterError classifies a raw error and wraps it. The classification
// is a string-matching cascade over the lower-cased error text, the same
// shape used to bucket execution failures into network/api/validation/funds
// categories, generalized here into the explicit §7 taxonomy.
func NewAdapterError(op string, err error) *AdapterError {
	if err == nil {
		return nil
	}
	return &AdapterError{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return KindRateLimited
	case containsAny(msg, "connection refused", "timeout", "dial", "eof", "network", "i/o timeout"):
		return KindTransient
	case containsAny(msg, "post only", "post-only", "would cross", "would take"):
		return KindPostOnlyRejected
	case containsAny(msg, "order not found", "unknown order", "no such order", "404"):
		return KindOrderNotFound
	case containsAny(msg, "insufficient", "balance", "funds", "margin"):
		return KindInsufficientFunds
	case containsAny(msg, "position limit", "max position", "exceeds limit"):
		return KindPositionLimit
	case containsAny(msg, "invalid", "bad request", "400", "malformed", "validation"):
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// StreamEventKind discriminates the StreamEvent tagged union.
type StreamEventKind int

const (
	StreamEventDepth StreamEventKind = iota
	StreamEventOrderUpdate
	StreamEventFill
	StreamEventPosition
)

// StreamEvent is the adapter's single wire event type, mirroring spec §9's
// `StreamEvent = Depth{…} | OrderUpdate{…} | Fill{…} | Position{…}` union.
// Exactly one of the payload fields is meaningful, selected by Kind; the
// drain loop in internal/executor switches on Kind exhaustively.
type StreamEvent struct {
	Kind StreamEventKind

	Depth       state.OrderBookSnapshot
	OrderUpdate OrderUpdateEvent
	Fill        state.FillEvent
	Position    PositionEvent

	ReceivedAt time.Time
}

// OrderUpdateEvent reports a venue-side status transition for a resting order.
type OrderUpdateEvent struct {
	OrderID       string
	ClientOrderID string
	Status        state.OrderStatus
	CumFilled     decimal.Decimal
}

// PositionEvent reports the venue's authoritative signed position, pushed
// out-of-band from fills (e.g. on a funding settlement or ADL).
type PositionEvent struct {
	Qty decimal.Decimal
}
