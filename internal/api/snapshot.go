package api

// SnapshotProvider is the Executor's read-only surface toward the
// dashboard: a status projection plus the optional broadcast channel the
// Executor publishes fill/op events onto. Narrowed from the teacher's
// multi-market MarketSnapshotProvider (GetMarketsSnapshot/GetScanner/
// GetRiskManager) down to the single status query and event feed this
// single-symbol engine actually has.
type SnapshotProvider interface {
	StatusSnapshot() StatusSnapshot
	DashboardEvents() <-chan DashboardEvent
}
