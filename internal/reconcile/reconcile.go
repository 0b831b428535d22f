// Package reconcile implements the REST Reconciliation Gate (spec §4.6):
// the once-per-tick pass that reads the venue's authoritative open-order
// list and reconciles it against MM State before any new placement is
// allowed. Partially grounded on strategy.Maker.reconcileOrders's
// tolerance-matching, restructured here around an actual list_open_orders
// round trip the teacher's maker.go never performs — the teacher instead
// just diffs its own in-memory desired quotes against its own in-memory
// order map, with no independent venue query.
package reconcile

import (
	"context"
	"time"

	"perpmm/internal/adapter"
	"perpmm/internal/state"
	"perpmm/internal/throttle"
)

const safeModeThreshold = 3

// Decision is the Gate's per-tick output.
type Decision struct {
	SafeMode bool
	PlaceBid bool
	PlaceAsk bool
}

// Gate runs the reconciliation pass against an Adapter and MM State.
type Gate struct {
	adapter adapter.Adapter
}

func New(a adapter.Adapter) *Gate {
	return &Gate{adapter: a}
}

// Run executes steps 1-4 of §4.6. allowBid/allowAsk come from the Price
// Calculator's soft-stop gates (step 7 of §4.5); th is the Order Throttle.
func (g *Gate) Run(ctx context.Context, now time.Time, st *state.State, th *throttle.Throttle, allowBid, allowAsk bool) Decision {
	remote, err := g.adapter.ListOpenOrders(ctx)
	if err != nil {
		n := st.ConsecutiveRestFailures() + 1
		safeMode := n >= safeModeThreshold
		st.Mutate(func(s *state.State) { s.SetConsecutiveRestFailures(n) })
		if safeMode {
			return Decision{SafeMode: true}
		}
		// Below threshold: place nothing new this tick, but don't flip
		// status to Safe Mode yet — next tick retries independently.
		return Decision{}
	}
	st.Mutate(func(s *state.State) { s.SetConsecutiveRestFailures(0) })

	var remoteBids, remoteAsks []state.OrderInfo
	for _, o := range remote {
		if o.Side == state.Buy {
			remoteBids = append(remoteBids, o)
		} else {
			remoteAsks = append(remoteAsks, o)
		}
	}

	g.reconcileSide(ctx, now, st, state.Buy, remoteBids)
	g.reconcileSide(ctx, now, st, state.Sell, remoteAsks)

	localBid := st.Order(state.Buy)
	localAsk := st.Order(state.Sell)

	placeBid := allowBid && localBid == nil && len(remoteBids) == 0 && th.Allow(state.Buy, now)
	placeAsk := allowAsk && localAsk == nil && len(remoteAsks) == 0 && th.Allow(state.Sell, now)

	return Decision{PlaceBid: placeBid, PlaceAsk: placeAsk}
}

// reconcileSide applies the per-side rules of §4.6 step 3.
func (g *Gate) reconcileSide(ctx context.Context, now time.Time, st *state.State, side state.Side, remote []state.OrderInfo) {
	local := st.Order(side)

	switch {
	case len(remote) == 0 && local != nil && local.IsActive():
		// Remote empty, local Open/Pending: the order is gone and the local
		// slot is cleared. Recent fills are not consulted, and no
		// disappearance grace window is applied.
		local.Status = state.StatusCanceledOrUnknown
		st.Mutate(func(s *state.State) { s.SetOrder(side, nil) })

	case len(remote) > 0 && local == nil:
		// Orphan remote order(s): cancel all, do not adopt.
		for _, r := range remote {
			_ = g.adapter.Cancel(ctx, r.OrderID)
		}

	case len(remote) > 1:
		// Multiple remote orders on one side: keep the newest matching
		// local order_id, cancel the rest.
		keep := -1
		if local != nil {
			for i, r := range remote {
				if r.OrderID == local.OrderID {
					keep = i
					break
				}
			}
		}
		if keep == -1 {
			keep = len(remote) - 1
		}
		for i, r := range remote {
			if i != keep {
				_ = g.adapter.Cancel(ctx, r.OrderID)
			}
		}
		g.refreshLocal(st, side, local, remote[keep], now)

	case len(remote) == 1 && local != nil:
		// Both agree on exactly one.
		g.refreshLocal(st, side, local, remote[0], now)
	}
}

func (g *Gate) refreshLocal(st *state.State, side state.Side, local *state.OrderInfo, remote state.OrderInfo, now time.Time) {
	if local == nil {
		return
	}
	local.LastSeenRemoteAt = now
	if local.Status == state.StatusPending {
		local.Status = state.StatusOpen
	}
	local.CumFilled = remote.CumFilled
	st.Mutate(func(s *state.State) { s.SetOrder(side, local) })
}
