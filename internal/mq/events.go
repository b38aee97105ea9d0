package mq

import "time"

// SyncedEvent announces that a consumption load curve was stored for a
// meter over the civil range [Start, End].
type SyncedEvent struct {
	RequestID string    `json:"request_id"`
	MeterID   string    `json:"prm"`
	Stream    string    `json:"stream"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Samples   int       `json:"samples"`
	Source    string    `json:"source"`
	SyncedAt  time.Time `json:"synced_at"`
}
