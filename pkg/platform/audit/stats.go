package audit

import "time"

// StoreStats summarizes the audit tables for health reporting.
type StoreStats struct {
	TotalRecords       int64      `json:"totalRecords"`
	RecordsLast24h     int64      `json:"recordsLast24h"`
	CriticalLast24h    int64      `json:"criticalLast24h"`
	PendingDeadLetters int64      `json:"pendingDeadLetters"`
	OldestRecordAt     *time.Time `json:"oldestRecordAt,omitempty"`
	LatestRecordAt     *time.Time `json:"latestRecordAt,omitempty"`
}
