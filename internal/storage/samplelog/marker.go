package samplelog

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// SaveMarker writes the single active trip marker, replacing any previous
// one.
func (l *Log) SaveMarker(ctx context.Context, m models.ActiveTripMarker) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO active_trip_marker (id, trip_name, trip_id, entity_id, dest_lat, dest_lon, start_time, is_active)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  trip_name = excluded.trip_name,
  trip_id = excluded.trip_id,
  entity_id = excluded.entity_id,
  dest_lat = excluded.dest_lat,
  dest_lon = excluded.dest_lon,
  start_time = excluded.start_time,
  is_active = excluded.is_active
`, m.TripName, m.TripID, m.EntityID, m.Destination.Latitude, m.Destination.Longitude,
		m.StartTime.UnixNano(), boolInt(m.IsActive))
	if err != nil {
		return errors.Wrap(err, "save marker")
	}
	return nil
}

// LoadMarker returns nil when no trip is in progress.
func (l *Log) LoadMarker(ctx context.Context) (*models.ActiveTripMarker, error) {
	var (
		m        models.ActiveTripMarker
		start    int64
		isActive int
	)
	err := l.db.QueryRowContext(ctx, `
SELECT trip_name, trip_id, entity_id, dest_lat, dest_lon, start_time, is_active
FROM active_trip_marker WHERE id = 1
`).Scan(&m.TripName, &m.TripID, &m.EntityID, &m.Destination.Latitude, &m.Destination.Longitude, &start, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load marker")
	}
	m.StartTime = time.Unix(0, start).UTC()
	m.IsActive = isActive != 0
	return &m, nil
}

// ClearMarker removes the marker row. Clearing an absent marker is not an
// error.
func (l *Log) ClearMarker(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM active_trip_marker WHERE id = 1`); err != nil {
		return errors.Wrap(err, "clear marker")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
