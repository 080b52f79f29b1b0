package samplelog

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

const sampleColumns = `id, entity_id, trip_name, event_type, origin, sync_state,
  latitude, longitude, ts, speed, accuracy, abandoned, received_at`

// AppendSample writes s and returns its row id. A sample that repeats an
// existing (entity, trip, event, timestamp, origin) key is not written again:
// inserted is false and id is that of the stored row.
func (l *Log) AppendSample(ctx context.Context, s models.PositionSample) (int64, bool, error) {
	if s.SyncState == "" {
		s.SyncState = models.SyncPending
	}

	var receivedAt *int64
	if s.ReceivedAt != nil {
		v := s.ReceivedAt.UnixNano()
		receivedAt = &v
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO samples
  (entity_id, trip_name, event_type, origin, sync_state,
   latitude, longitude, ts, speed, accuracy, abandoned, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (entity_id, trip_name, event_type, ts, origin) DO NOTHING
`,
		s.EntityID, s.TripName, string(s.EventType), string(s.Origin), string(s.SyncState),
		s.Latitude, s.Longitude, s.Timestamp.UnixNano(), s.Speed, s.Accuracy, receivedAt,
	)
	if err != nil {
		return 0, false, errors.Wrap(err, "insert sample")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, errors.Wrap(err, "last insert id")
		}
		return id, true, nil
	}

	var id int64
	err = l.db.QueryRowContext(ctx, `
SELECT id FROM samples
WHERE entity_id = ? AND trip_name = ? AND event_type = ? AND ts = ? AND origin = ?
`, s.EntityID, s.TripName, string(s.EventType), s.Timestamp.UnixNano(), string(s.Origin)).Scan(&id)
	if err != nil {
		return 0, false, errors.Wrap(err, "select duplicate sample")
	}
	return id, false, nil
}

// MarkSynced moves a sample from pending to synced. It reports false when
// the sample was already synced or does not exist; there is no way back.
func (l *Log) MarkSynced(ctx context.Context, id int64) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE samples SET sync_state = 'synced' WHERE id = ? AND sync_state = 'pending'`, id)
	if err != nil {
		return false, errors.Wrap(err, "mark synced")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// GetSample returns nil when the id is unknown.
func (l *Log) GetSample(ctx context.Context, id int64) (*models.PositionSample, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get sample")
	}
	return s, nil
}

// ListPending returns pending local-capture samples that still owe a remote
// call, oldest first. Abandoned samples are excluded.
func (l *Log) ListPending(ctx context.Context, limit int) ([]*models.PositionSample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT `+sampleColumns+`
FROM samples
WHERE sync_state = 'pending' AND origin = 'local-capture' AND abandoned = 0
ORDER BY ts, id
LIMIT ?
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select pending")
	}
	return collect(rows)
}

// ListTripSamples returns the samples of one trip in timestamp order.
func (l *Log) ListTripSamples(ctx context.Context, entityID int64, tripName string, origin models.Origin) ([]*models.PositionSample, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+sampleColumns+`
FROM samples
WHERE entity_id = ? AND trip_name = ? AND origin = ? AND abandoned = 0
ORDER BY ts, id
`, entityID, tripName, string(origin))
	if err != nil {
		return nil, errors.Wrap(err, "select trip samples")
	}
	return collect(rows)
}

// LatestSample returns the newest non-abandoned sample of the given origin
// for an entity, or nil.
func (l *Log) LatestSample(ctx context.Context, entityID int64, origin models.Origin) (*models.PositionSample, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT `+sampleColumns+`
FROM samples
WHERE entity_id = ? AND origin = ? AND abandoned = 0
ORDER BY ts DESC, id DESC
LIMIT 1
`, entityID, string(origin))
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest sample")
	}
	return s, nil
}

// AbandonTrip flags the still-pending local samples of a discarded trip.
// They stay in the log but are never synced or shown.
func (l *Log) AbandonTrip(ctx context.Context, entityID int64, tripName string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
UPDATE samples SET abandoned = 1
WHERE entity_id = ? AND trip_name = ? AND origin = 'local-capture' AND sync_state = 'pending'
`, entityID, tripName)
	if err != nil {
		return 0, errors.Wrap(err, "abandon trip")
	}
	return res.RowsAffected()
}

// SweepRetention deletes synced samples older than before. Pending samples,
// abandoned ones included, are never deleted.
func (l *Log) SweepRetention(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM samples WHERE sync_state = 'synced' AND ts < ?`, before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "sweep retention")
	}
	return res.RowsAffected()
}

type Counts struct {
	Pending   int64 `json:"pending"`
	Synced    int64 `json:"synced"`
	Abandoned int64 `json:"abandoned"`
}

func (l *Log) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := l.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN sync_state = 'pending' AND abandoned = 0 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN sync_state = 'synced' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(abandoned), 0)
FROM samples
`).Scan(&c.Pending, &c.Synced, &c.Abandoned)
	if err != nil {
		return Counts{}, errors.Wrap(err, "count samples")
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(r rowScanner) (*models.PositionSample, error) {
	var (
		s          models.PositionSample
		eventType  string
		origin     string
		syncState  string
		ts         int64
		speed      sql.NullFloat64
		accuracy   sql.NullFloat64
		abandoned  int
		receivedAt sql.NullInt64
	)
	if err := r.Scan(
		&s.ID, &s.EntityID, &s.TripName, &eventType, &origin, &syncState,
		&s.Latitude, &s.Longitude, &ts, &speed, &accuracy, &abandoned, &receivedAt,
	); err != nil {
		return nil, err
	}

	s.EventType = models.EventType(eventType)
	s.Origin = models.Origin(origin)
	s.SyncState = models.SyncState(syncState)
	s.Timestamp = time.Unix(0, ts).UTC()
	s.Abandoned = abandoned != 0
	if speed.Valid {
		v := speed.Float64
		s.Speed = &v
	}
	if accuracy.Valid {
		v := accuracy.Float64
		s.Accuracy = &v
	}
	if receivedAt.Valid {
		v := time.Unix(0, receivedAt.Int64).UTC()
		s.ReceivedAt = &v
	}
	return &s, nil
}

func collect(rows *sql.Rows) ([]*models.PositionSample, error) {
	defer rows.Close()

	var out []*models.PositionSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan sample")
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
