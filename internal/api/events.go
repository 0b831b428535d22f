package api

import "time"

// DashboardEvent is the wrapper for everything pushed to a connected
// WebSocket client: an initial "snapshot" on connect, then "fill" and "op"
// events as the Executor mutates MM State.
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewFillDashboardEvent wraps a fill history entry for broadcast.
func NewFillDashboardEvent(entry FillHistoryEntry) DashboardEvent {
	return DashboardEvent{Type: "fill", Timestamp: entry.Timestamp, Data: entry}
}

// NewOpLogDashboardEvent wraps an operation log entry for broadcast.
func NewOpLogDashboardEvent(entry OpLogEntry) DashboardEvent {
	return DashboardEvent{Type: "op", Timestamp: entry.Timestamp, Data: entry}
}

// NewSnapshotDashboardEvent wraps a full status snapshot, sent once on
// client connect. Messages a client sends are not read as refresh requests.
func NewSnapshotDashboardEvent(snap StatusSnapshot) DashboardEvent {
	return DashboardEvent{Type: "snapshot", Timestamp: snap.Timestamp, Data: snap}
}
