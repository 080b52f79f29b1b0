package models

import "time"

// ActiveTripMarker is the single per-process record of an in-progress trip.
// Its presence at process start is what triggers crash recovery.
type ActiveTripMarker struct {
	TripName    string
	TripID      string
	EntityID    int64
	Destination Location
	StartTime   time.Time
	IsActive    bool
}

// TripBinding maps a locally named trip to the id the remote endpoint
// assigned to it. TripID is empty until createTrip succeeds.
type TripBinding struct {
	TripName    string
	EntityID    int64
	Destination Location
	TripID      string
}
