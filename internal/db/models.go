package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Credential is a grid operator bearer token. At most one row is active.
type Credential struct {
	ID        uuid.UUID
	Token     string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Active    bool
}

// Stream names the table a sample series lives in
type Stream string

const (
	StreamDailyConsumption     Stream = "daily_consumption"
	StreamDailyProduction      Stream = "daily_production"
	StreamDailyMaxPower        Stream = "daily_max_power"
	StreamConsumptionLoadCurve Stream = "consumption_load_curve"
	StreamProductionLoadCurve  Stream = "production_load_curve"
)

// IntervalSample is one normalized interval reading. Date and Time are the
// civil (Europe/Paris) start of the interval; Instant is the same moment in UTC.
// OffPeak is nil for production streams.
type IntervalSample struct {
	MeterID string    `json:"prm"`
	Date    string    `json:"date"`
	Time    string    `json:"time"`
	Instant time.Time `json:"instant"`
	Value   float64   `json:"value"`
	OffPeak *bool     `json:"off_peak,omitempty"`
}

// DailySample is one value per civil day
type DailySample struct {
	MeterID string  `json:"prm"`
	Date    string  `json:"date"`
	Value   float64 `json:"value"`
}

// OffpeakWindow is a per-meter off-peak period in minutes since midnight
type OffpeakWindow struct {
	MeterID     string `json:"prm"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
}

// WeeklyAverageSlot is one cell of the 7x48 weekly profile grid.
// Average is nil when no sample fell in the cell.
type WeeklyAverageSlot struct {
	MeterID     string   `json:"prm"`
	Weekday     int      `json:"weekday"`
	Slot        string   `json:"slot"`
	SampleCount int      `json:"sample_count"`
	Average     *float64 `json:"average"`
}

// SnapshotKind identifies a customer data document
type SnapshotKind string

const (
	SnapshotContract SnapshotKind = "contract"
	SnapshotIdentity SnapshotKind = "identity"
	SnapshotAddress  SnapshotKind = "address"
	SnapshotContact  SnapshotKind = "contact"
)

// CustomerSnapshot is the latest partner document of a kind for a meter
type CustomerSnapshot struct {
	MeterID      string          `json:"prm"`
	Kind         SnapshotKind    `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	OffpeakHours string          `json:"offpeak_hours,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at"`
}
