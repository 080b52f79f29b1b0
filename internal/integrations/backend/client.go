package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// ErrNotFound is returned by GetActiveTrip when the entity has no trip.
var ErrNotFound = errors.New("no active trip")

type CreateTripRequest struct {
	EntityID    int64
	TripName    string
	Destination models.Location
	Start       models.TripPoint
}

type TripEvent struct {
	EventType models.EventType `json:"event_type"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Timestamp time.Time        `json:"timestamp"`
}

// ActiveTrip is the endpoint's view of an entity's current trip.
type ActiveTrip struct {
	TripID   string      `json:"trip_id"`
	TripName string      `json:"trip_name"`
	EntityID int64       `json:"group_id"`
	IsActive bool        `json:"is_active"`
	Events   []TripEvent `json:"points"`
}

// Samples converts the trip into push-origin samples so it can be cached in
// the local log.
func (a ActiveTrip) Samples(receivedAt time.Time) []models.PositionSample {
	out := make([]models.PositionSample, 0, len(a.Events))
	for _, e := range a.Events {
		out = append(out, models.PositionSample{
			EntityID:   a.EntityID,
			TripName:   a.TripName,
			EventType:  e.EventType,
			Origin:     models.OriginPush,
			SyncState:  models.SyncSynced,
			Latitude:   e.Latitude,
			Longitude:  e.Longitude,
			Timestamp:  e.Timestamp.UTC(),
			ReceivedAt: &receivedAt,
		})
	}
	return out
}

// Client is the remote sync endpoint. Every write is safe to retry: the
// endpoint deduplicates on (trip, event type, timestamp).
type Client interface {
	CreateTrip(ctx context.Context, req CreateTripRequest) (string, error)
	UpdateTrip(ctx context.Context, tripID string, p models.TripPoint) error
	FinishTrip(ctx context.Context, tripID string, p models.TripPoint) error
	GetActiveTrip(ctx context.Context, entityID int64) (ActiveTrip, error)
}

// IdempotencyKey identifies one write at the endpoint.
func IdempotencyKey(trip string, ev models.EventType, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", trip, ev, ts.UTC().UnixNano())
}
