// Package api is the reference implementation of spec §6's Control and
// Event surfaces: a thin HTTP+WS facade over the Executor's read-only
// State snapshot. Kept as external-collaborator infra per SPEC_FULL.md
// item 2, not in-scope business logic — adapted from the teacher's
// per-market dashboard DTOs down to the single-symbol fields §6 actually
// names (status, position, open orders, volatility_bps, counters,
// last_tick_ts, fill history, operation log).
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/config"
	"perpmm/internal/state"
)

// StatusSnapshot is the Control surface's status-query response.
type StatusSnapshot struct {
	Timestamp     time.Time              `json:"timestamp"`
	Status        string                 `json:"status"`
	PauseReason   string                 `json:"pause_reason,omitempty"`
	Position      decimal.Decimal        `json:"position"`
	AvgEntry      decimal.Decimal        `json:"avg_entry"`
	OpenOrders    map[string]OrderInfo   `json:"open_orders"`
	VolatilityBps decimal.Decimal        `json:"volatility_bps"`
	LastTickAt    time.Time              `json:"last_tick_ts"`
	Counters      Counters               `json:"counters"`
}

// OrderInfo is the wire form of a resting order.
type OrderInfo struct {
	OrderID   string          `json:"order_id"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	CumFilled decimal.Decimal `json:"cum_filled"`
	Status    string          `json:"status"`
}

// Counters is a minimal operational-counter surface; the dashboard façade
// is free to extend this with whatever it needs.
type Counters struct {
	Placed   int `json:"placed"`
	Canceled int `json:"canceled"`
	Fills    int `json:"fills"`
}

// FillHistoryEntry is one entry of the Event surface's fill ring.
type FillHistoryEntry struct {
	Timestamp time.Time       `json:"ts"`
	OrderID   string          `json:"order_id"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
}

// OpLogEntry is the Event surface's operation log entry.
type OpLogEntry struct {
	Timestamp time.Time       `json:"ts"`
	Action    string          `json:"action"`
	Side      string          `json:"side,omitempty"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ConfigSummary surfaces the MMConfig groups relevant to an operator dashboard.
type ConfigSummary struct {
	Symbol             string  `json:"symbol"`
	StrategyMode       string  `json:"strategy_mode"`
	OrderDistanceBps   float64 `json:"order_distance_bps"`
	MaxPosition        string  `json:"max_position"`
	HardStopPosition   string  `json:"hard_stop_position"`
	HedgeEnabled       bool    `json:"hedge_enabled"`
	DryRun             bool    `json:"dry_run"`
}

// NewConfigSummary builds a ConfigSummary from the loaded Config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Symbol:           cfg.Symbol.Name,
		StrategyMode:     cfg.Quote.StrategyMode,
		OrderDistanceBps: cfg.Quote.OrderDistanceBps,
		MaxPosition:      cfg.Position.MaxPosition,
		HardStopPosition: cfg.Position.HardStopPosition,
		HedgeEnabled:     cfg.Hedge.Enabled,
		DryRun:           cfg.DryRun,
	}
}

// NewStatusSnapshot projects a state.Snapshot into the Control surface's
// wire format.
func NewStatusSnapshot(snap state.Snapshot, vol decimal.Decimal, counters Counters) StatusSnapshot {
	orders := make(map[string]OrderInfo, len(snap.Orders))
	for side, o := range snap.Orders {
		orders[string(side)] = OrderInfo{
			OrderID: o.OrderID, Price: o.Price, Qty: o.Qty,
			CumFilled: o.CumFilled, Status: string(o.Status),
		}
	}

	return StatusSnapshot{
		Timestamp:     time.Now(),
		Status:        snap.Status.Phase,
		PauseReason:   string(snap.Status.Reason),
		Position:      snap.Position,
		AvgEntry:      snap.AvgEntry,
		OpenOrders:    orders,
		VolatilityBps: vol,
		LastTickAt:    snap.LastTick,
		Counters:      counters,
	}
}
