package messages

import "time"

// ProximityAlert is published once per (trip, target, threshold).
type ProximityAlert struct {
	EntityID        int64     `json:"entity_id"`
	TripName        string    `json:"trip_name"`
	Target          string    `json:"target"`
	ThresholdMeters float64   `json:"threshold_meters"`
	DistanceMeters  float64   `json:"distance_meters"`
	Reached         bool      `json:"reached"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	At              time.Time `json:"at"`
}
