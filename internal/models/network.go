package models

import "time"

// ConnectionQuality is derived from the transport type.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityOffline   ConnectionQuality = "offline"
)

// NetworkEvent is a point-in-time connectivity observation.
type NetworkEvent struct {
	IsOnline            bool   `json:"isOnline"`
	IsConnected         bool   `json:"isConnected"`
	ConnectionType      string `json:"connectionType"`               // wifi, cellular, ethernet, none, unknown
	CellularGeneration  string `json:"cellularGeneration,omitempty"` // 2g, 3g, 4g, 5g
	IsInternetReachable *bool  `json:"isInternetReachable"`
	Timestamp           int64  `json:"timestamp"` // epoch ms
}

// Time returns Timestamp as time.Time.
func (e *NetworkEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// SameState reports whether two observations describe the same connectivity state.
func (e NetworkEvent) SameState(other NetworkEvent) bool {
	return e.IsOnline == other.IsOnline &&
		e.ConnectionType == other.ConnectionType &&
		e.CellularGeneration == other.CellularGeneration &&
		boolPtrEqual(e.IsInternetReachable, other.IsInternetReachable)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
