package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testSymbol() Symbol {
	return Symbol{
		Name:     "BTC-USD",
		TickSize: decimal.NewFromFloat(0.5),
		QtyStep:  decimal.NewFromFloat(0.001),
		MinQty:   decimal.NewFromFloat(0.001),
	}
}

func TestSymbolRounding(t *testing.T) {
	s := testSymbol()

	if got := s.RoundPriceDown(decimal.NewFromFloat(100.74)); !got.Equal(decimal.NewFromFloat(100.5)) {
		t.Errorf("RoundPriceDown(100.74) = %v, want 100.5", got)
	}
	if got := s.RoundPriceUp(decimal.NewFromFloat(100.01)); !got.Equal(decimal.NewFromFloat(100.5)) {
		t.Errorf("RoundPriceUp(100.01) = %v, want 100.5", got)
	}
	if got := s.RoundQty(decimal.NewFromFloat(0.0009)); !got.Equal(s.MinQty) {
		t.Errorf("RoundQty below min step = %v, want floored to MinQty %v", got, s.MinQty)
	}
	if got := s.RoundQty(decimal.NewFromFloat(0.0034)); !got.Equal(decimal.NewFromFloat(0.003)) {
		t.Errorf("RoundQty(0.0034) = %v, want 0.003", got)
	}
}

func TestOrderSlotSetAndClear(t *testing.T) {
	st := New(testSymbol())

	st.Mutate(func(s *State) {
		s.SetOrder(Buy, &OrderInfo{OrderID: "o1", Side: Buy, Status: StatusOpen})
	})
	o := st.Order(Buy)
	if o == nil || o.OrderID != "o1" {
		t.Fatalf("expected bid order slot set, got %+v", o)
	}

	// Order() must return a copy: mutating it must not affect internal state.
	o.Status = StatusFilled
	o2 := st.Order(Buy)
	if o2.Status != StatusOpen {
		t.Errorf("Order() leaked a mutable reference to internal state")
	}

	st.Mutate(func(s *State) {
		s.SetOrder(Buy, nil)
	})
	if st.Order(Buy) != nil {
		t.Errorf("expected bid order slot cleared")
	}
}

func TestPositionAccumulation(t *testing.T) {
	st := New(testSymbol())
	key := PositionKey{Venue: "primary", Symbol: "BTC-USD"}

	st.Mutate(func(s *State) {
		s.AddPosition(key, decimal.NewFromFloat(0.01))
		s.AddPosition(key, decimal.NewFromFloat(0.02))
	})
	if got := st.Position(key); !got.Equal(decimal.NewFromFloat(0.03)) {
		t.Errorf("Position = %v, want 0.03", got)
	}
}

func TestOpLogRingCap(t *testing.T) {
	st := New(testSymbol())
	st.Mutate(func(s *State) {
		s.opLogCap = 3
		for i := 0; i < 5; i++ {
			s.AppendOpLog(OperationLogEntry{Action: "place", Timestamp: time.Now()})
		}
	})
	if got := len(st.OpLog()); got != 3 {
		t.Errorf("OpLog length = %d, want 3 (ring capped)", got)
	}
}

func TestSnapshotCopiesOutOrdersAndPosition(t *testing.T) {
	st := New(testSymbol())
	key := PositionKey{Venue: "primary", Symbol: "BTC-USD"}

	st.Mutate(func(s *State) {
		s.SetOrder(Buy, &OrderInfo{OrderID: "o1", Side: Buy, Status: StatusOpen})
		s.SetPosition(key, decimal.NewFromFloat(0.05))
		s.SetAvgEntry(key, decimal.NewFromInt(65000))
	})

	snap := st.Snapshot("primary")
	if snap.Orders[Buy] == nil || snap.Orders[Buy].OrderID != "o1" {
		t.Errorf("expected snapshot to include the bid order")
	}
	if !snap.Position.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("Position = %v, want 0.05", snap.Position)
	}
	if !snap.AvgEntry.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("AvgEntry = %v, want 65000", snap.AvgEntry)
	}

	// Mutating the returned snapshot's order map must not affect state.
	snap.Orders[Buy].Status = StatusFilled
	if st.Order(Buy).Status != StatusOpen {
		t.Errorf("Snapshot leaked a mutable reference to internal order state")
	}
}

func TestOrderIsActive(t *testing.T) {
	cases := []struct {
		status OrderStatus
		active bool
	}{
		{StatusPending, true},
		{StatusOpen, true},
		{StatusPartiallyFilled, true},
		{StatusFilled, false},
		{StatusCanceledOrUnknown, false},
	}
	for _, c := range cases {
		o := OrderInfo{Status: c.status}
		if o.IsActive() != c.active {
			t.Errorf("IsActive(%s) = %v, want %v", c.status, o.IsActive(), c.active)
		}
	}
}
