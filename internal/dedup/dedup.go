// Package dedup implements the Event Dedup component: a bounded set keyed
// by (order_id, cumulative_filled_qty) with TTL-based lazy eviction, so a
// redelivered fill event from the stream never gets applied to MM State
// twice. Order-update events do not pass through it.
package dedup

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one (order_id, cumulative_filled_qty) observation.
type Key struct {
	OrderID   string
	CumFilled string // decimal.Decimal.String(), comparable and hashable
}

func NewKey(orderID string, cumFilled decimal.Decimal) Key {
	return Key{OrderID: orderID, CumFilled: cumFilled.String()}
}

// Deduper is the interface both the in-memory and Redis-backed
// implementations satisfy, so a multi-process deployment (primary account
// runner plus a separate hedge-account runner) can share dedup state by
// swapping the backing store without touching the Executor.
type Deduper interface {
	// SeenBefore reports whether key was already recorded, and records it
	// if not. Analogous to a test-and-set.
	SeenBefore(key Key) bool
}

type entry struct {
	expiresAt time.Time
}

// MemDeduper is the default in-memory implementation: a bounded map with
// lazy expiry on every call, grounded on the window-eviction style the
// toxic-flow tracker uses for its own fill window.
type MemDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]entry
	maxSize int
}

// NewMemDeduper creates an in-memory Deduper. maxSize bounds the set: when
// a new key arrives and the set already holds maxSize entries, the single
// entry with the earliest expiry is evicted before the new key is recorded.
func NewMemDeduper(ttl time.Duration, maxSize int) *MemDeduper {
	return &MemDeduper{
		ttl:     ttl,
		entries: make(map[Key]entry),
		maxSize: maxSize,
	}
}

func (d *MemDeduper) SeenBefore(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evictExpiredLocked(now)

	if e, ok := d.entries[key]; ok && e.expiresAt.After(now) {
		return true
	}

	if len(d.entries) >= d.maxSize {
		d.evictOldestLocked()
	}
	d.entries[key] = entry{expiresAt: now.Add(d.ttl)}
	return false
}

func (d *MemDeduper) evictExpiredLocked(now time.Time) {
	for k, e := range d.entries {
		if !e.expiresAt.After(now) {
			delete(d.entries, k)
		}
	}
}

func (d *MemDeduper) evictOldestLocked() {
	var oldestKey Key
	var oldestAt time.Time
	first := true
	for k, e := range d.entries {
		if first || e.expiresAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(d.entries, oldestKey)
	}
}

// Size returns the current entry count, for tests and metrics.
func (d *MemDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
