package models

import "time"

// SyncMetric is one timed outcome of a dispatch attempt.
type SyncMetric struct {
	Timestamp  int64      `json:"timestamp"` // epoch ms
	Operation  string     `json:"operation"`
	Entity     EntityKind `json:"entity"`
	Duration   int64      `json:"duration"` // ms
	Success    bool       `json:"success"`
	RetryCount int        `json:"retryCount"`
	Error      string     `json:"error,omitempty"`
	DataSize   int        `json:"dataSize,omitempty"`
}

// Time returns Timestamp as time.Time.
func (m *SyncMetric) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
