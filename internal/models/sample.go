package models

import "time"

type EventType string

const (
	EventStart  EventType = "start"
	EventUpdate EventType = "update"
	EventFinish EventType = "finish"
)

func (e EventType) Valid() bool {
	switch e {
	case EventStart, EventUpdate, EventFinish:
		return true
	}
	return false
}

type Origin string

const (
	OriginLocalCapture Origin = "local-capture"
	OriginPush         Origin = "push"
)

type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// PositionSample is immutable once written. The only permitted change is
// SyncState pending -> synced.
type PositionSample struct {
	ID        int64
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	Speed     *float64
	Accuracy  *float64

	TripName  string
	EntityID  int64
	EventType EventType
	Origin    Origin
	SyncState SyncState

	// Abandoned marks pending local-capture samples of a discarded trip.
	// They are retained but never synced or shown.
	Abandoned bool

	// ReceivedAt is set only for push-origin samples.
	ReceivedAt *time.Time
}

func (s PositionSample) Point() TripPoint {
	return TripPoint{Latitude: s.Latitude, Longitude: s.Longitude, Timestamp: s.Timestamp}
}

// RawPosition is one reading from the live position stream before it is
// turned into a sample.
type RawPosition struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
