package pgsamples

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

const sampleColumns = `id, entity_id, trip_name, event_type, origin, sync_state,
  latitude, longitude, ts, speed, accuracy, received_at`

// AppendSample inserts s unless a row with the same (entity, trip, event,
// timestamp, origin) exists; then inserted is false and the existing id is
// returned.
func (s *Storage) AppendSample(ctx context.Context, smp models.PositionSample) (int64, bool, error) {
	if smp.SyncState == "" {
		smp.SyncState = models.SyncPending
	}

	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO samples
  (entity_id, trip_name, event_type, origin, sync_state,
   latitude, longitude, ts, speed, accuracy, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (entity_id, trip_name, event_type, ts, origin) DO NOTHING
RETURNING id
`,
		smp.EntityID, smp.TripName, string(smp.EventType), string(smp.Origin), string(smp.SyncState),
		smp.Latitude, smp.Longitude, smp.Timestamp.UTC(), smp.Speed, smp.Accuracy, smp.ReceivedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, errors.Wrap(err, "insert sample")
	}

	err = s.db.QueryRow(ctx, `
SELECT id FROM samples
WHERE entity_id = $1 AND trip_name = $2 AND event_type = $3 AND ts = $4 AND origin = $5
`, smp.EntityID, smp.TripName, string(smp.EventType), smp.Timestamp.UTC(), string(smp.Origin)).Scan(&id)
	if err != nil {
		return 0, false, errors.Wrap(err, "select duplicate sample")
	}
	return id, false, nil
}

func (s *Storage) ListTripSamples(ctx context.Context, entityID int64, tripName string, origin models.Origin) ([]*models.PositionSample, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+sampleColumns+`
FROM samples
WHERE entity_id = $1 AND trip_name = $2 AND origin = $3
ORDER BY ts, id
`, entityID, tripName, string(origin))
	if err != nil {
		return nil, errors.Wrap(err, "select trip samples")
	}
	defer rows.Close()

	var out []*models.PositionSample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan sample")
		}
		out = append(out, smp)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// LatestSample returns nil when the entity has no samples of that origin.
func (s *Storage) LatestSample(ctx context.Context, entityID int64, origin models.Origin) (*models.PositionSample, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+sampleColumns+`
FROM samples
WHERE entity_id = $1 AND origin = $2
ORDER BY ts DESC, id DESC
LIMIT 1
`, entityID, string(origin))

	smp, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest sample")
	}
	return smp, nil
}

// SweepRetention deletes synced samples older than before.
func (s *Storage) SweepRetention(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM samples WHERE sync_state = 'synced' AND ts < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "sweep retention")
	}
	return tag.RowsAffected(), nil
}

func scanSample(row pgx.Row) (*models.PositionSample, error) {
	var (
		smp       models.PositionSample
		eventType string
		origin    string
		syncState string
		ts        time.Time
	)
	if err := row.Scan(
		&smp.ID, &smp.EntityID, &smp.TripName, &eventType, &origin, &syncState,
		&smp.Latitude, &smp.Longitude, &ts, &smp.Speed, &smp.Accuracy, &smp.ReceivedAt,
	); err != nil {
		return nil, err
	}
	smp.EventType = models.EventType(eventType)
	smp.Origin = models.Origin(origin)
	smp.SyncState = models.SyncState(syncState)
	smp.Timestamp = ts.UTC()
	return &smp, nil
}
