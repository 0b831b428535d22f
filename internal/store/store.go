// Package store provides crash-safe persistence: an atomic-rename JSON
// position cache (fast-path restore at startup, replaced by a fresh
// get_position REST query when that succeeds; open orders always come
// from list_open_orders) and a
// per-session append-only trade log for audit. Both adapted from the
// teacher's position-snapshot store, which persisted one JSON file per
// market; here there is exactly one symbol, so the position cache is one
// file, and the trade log is new (the teacher never wrote one — it relied
// on the position snapshot alone).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is the on-disk cache format.
type PositionSnapshot struct {
	Symbol    string          `json:"symbol"`
	Qty       decimal.Decimal `json:"qty"`
	AvgEntry  decimal.Decimal `json:"avg_entry"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TradeLogEntry is one line of the append-only audit trail.
type TradeLogEntry struct {
	Timestamp time.Time       `json:"ts"`
	OrderID   string          `json:"order_id"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
}

// Store persists the position cache and trade log under one directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir      string
	mu       sync.Mutex
	tradeLog *os.File
}

// Open creates a store backed by the given directory and opens (creating
// if needed) this session's append-only trade log.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("trades_%s.jsonl", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}

	return &Store{dir: dir, tradeLog: f}, nil
}

// Close flushes and closes the trade log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeLog != nil {
		return s.tradeLog.Close()
	}
	return nil
}

// SavePosition atomically persists the current position cache for symbol.
// Writes to a .tmp file first, then renames over the target so the file is
// never left partially written after a crash.
func (s *Store) SavePosition(symbol string, snap PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := filepath.Join(s.dir, "pos_"+symbol+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPosition restores the position cache for symbol. Returns nil, nil if
// no cache file exists (fresh start or after a clean shutdown that fully
// flattened). Callers must treat the result as a fast-path hint only — the
// post-restart REST query is authoritative.
func (s *Store) LoadPosition(symbol string) (*PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pos_"+symbol+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position: %w", err)
	}

	var snap PositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &snap, nil
}

// AppendTrade writes one line to the session's append-only trade log.
func (s *Store) AppendTrade(entry TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	line = append(line, '\n')
	_, err = s.tradeLog.Write(line)
	return err
}
