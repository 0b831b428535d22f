package throttle

import (
	"testing"
	"time"

	"perpmm/internal/state"
)

func TestAllowNoPriorAction(t *testing.T) {
	th := New(2 * time.Second)
	if !th.Allow(state.Buy, time.Now()) {
		t.Fatalf("expected Allow true with no prior action")
	}
}

func TestInFlightBlocksAllow(t *testing.T) {
	th := New(2 * time.Second)
	now := time.Now()
	th.Begin(state.Buy, now)
	if th.Allow(state.Buy, now.Add(time.Hour)) {
		t.Fatalf("expected Allow false while in flight regardless of elapsed time")
	}
	th.End(state.Buy)
	if !th.Allow(state.Buy, now.Add(time.Hour)) {
		t.Fatalf("expected Allow true once in-flight cleared and interval elapsed")
	}
}

func TestIntervalBlocksAllow(t *testing.T) {
	th := New(2 * time.Second)
	now := time.Now()
	th.Begin(state.Buy, now)
	th.End(state.Buy)

	if th.Allow(state.Buy, now.Add(time.Second)) {
		t.Fatalf("expected Allow false before interval elapses")
	}
	if !th.Allow(state.Buy, now.Add(3*time.Second)) {
		t.Fatalf("expected Allow true after interval elapses")
	}
}

func TestSidesAreIndependent(t *testing.T) {
	th := New(2 * time.Second)
	now := time.Now()
	th.Begin(state.Buy, now)
	if !th.Allow(state.Sell, now) {
		t.Fatalf("expected sell side unaffected by buy side in-flight/interval")
	}
}
