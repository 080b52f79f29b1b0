package pgsamples

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS samples (
  id BIGSERIAL PRIMARY KEY,
  entity_id BIGINT NOT NULL,
  trip_name TEXT NOT NULL,
  event_type TEXT NOT NULL,
  origin TEXT NOT NULL,
  sync_state TEXT NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  ts TIMESTAMPTZ NOT NULL,
  speed DOUBLE PRECISION NULL,
  accuracy DOUBLE PRECISION NULL,
  received_at TIMESTAMPTZ NULL
)`,
		// Redelivered push messages collapse onto one row.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_samples_dedup ON samples(entity_id, trip_name, event_type, ts, origin)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_entity_origin_ts ON samples(entity_id, origin, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_sync_state_ts ON samples(sync_state, ts)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
