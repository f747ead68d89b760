package models

// SyncStatus is the read model the UI polls or subscribes to.
type SyncStatus struct {
	IsOnline          bool              `json:"isOnline"`
	IsSyncing         bool              `json:"isSyncing"`
	LastSync          int64             `json:"lastSync,omitempty"` // epoch ms, 0 = never
	PendingOperations int               `json:"pendingOperations"`
	FailedOperations  int               `json:"failedOperations"`
	AuthExpired       int               `json:"authExpiredOperations"`
	Unsynced          int               `json:"unsyncedSubmissions"`
	Conflicts         int               `json:"conflicts"`
	NetworkQuality    ConnectionQuality `json:"networkQuality"`
	IsNetworkStable   bool              `json:"isNetworkStable"`
	AdaptiveInterval  int64             `json:"adaptiveInterval"` // ms
}
