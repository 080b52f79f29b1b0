package samplelog

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// RegisterTrip records a locally started trip. Registering the same trip
// twice keeps the first row.
func (l *Log) RegisterTrip(ctx context.Context, b models.TripBinding) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO trips (entity_id, trip_name, dest_lat, dest_lon, trip_id)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entity_id, trip_name) DO NOTHING
`, b.EntityID, b.TripName, b.Destination.Latitude, b.Destination.Longitude, b.TripID)
	if err != nil {
		return errors.Wrap(err, "register trip")
	}
	return nil
}

// BindTrip stores the remote id of a trip. An existing binding is kept.
func (l *Log) BindTrip(ctx context.Context, entityID int64, tripName, tripID string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE trips SET trip_id = ?
WHERE entity_id = ? AND trip_name = ? AND trip_id = ''
`, tripID, entityID, tripName)
	if err != nil {
		return errors.Wrap(err, "bind trip")
	}
	return nil
}

// TripBinding returns nil for an unknown trip.
func (l *Log) TripBinding(ctx context.Context, entityID int64, tripName string) (*models.TripBinding, error) {
	b := models.TripBinding{EntityID: entityID, TripName: tripName}
	err := l.db.QueryRowContext(ctx, `
SELECT dest_lat, dest_lon, trip_id FROM trips WHERE entity_id = ? AND trip_name = ?
`, entityID, tripName).Scan(&b.Destination.Latitude, &b.Destination.Longitude, &b.TripID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get trip binding")
	}
	return &b, nil
}
