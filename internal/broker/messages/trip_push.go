package messages

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

var ErrMalformedPush = errors.New("malformed push payload")

const (
	TypeTripStarted  = "trip_started"
	TypeTripUpdated  = "trip_updated"
	TypeTripFinished = "trip_finished"
)

// TripPush is the wire form of a push message. Numbers may arrive either as
// JSON strings or as JSON numbers.
type TripPush struct {
	Type      string          `json:"type"`
	TripName  string          `json:"trip_name"`
	GroupID   json.RawMessage `json:"group_id"`
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`
	Timestamp string          `json:"timestamp"`
}

// TripUpdate is a validated push message.
type TripUpdate struct {
	EntityID  int64
	TripName  string
	EventType models.EventType
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

func (u TripUpdate) Sample(receivedAt time.Time) models.PositionSample {
	return models.PositionSample{
		EntityID:   u.EntityID,
		TripName:   u.TripName,
		EventType:  u.EventType,
		Origin:     models.OriginPush,
		SyncState:  models.SyncSynced,
		Latitude:   u.Latitude,
		Longitude:  u.Longitude,
		Timestamp:  u.Timestamp,
		ReceivedAt: &receivedAt,
	}
}

// ParsePush decodes and validates a push payload. Every failure wraps
// ErrMalformedPush.
func ParsePush(b []byte) (TripUpdate, error) {
	var p TripPush
	if err := json.Unmarshal(b, &p); err != nil {
		return TripUpdate{}, errors.Wrap(ErrMalformedPush, err.Error())
	}

	var u TripUpdate
	switch p.Type {
	case TypeTripStarted:
		u.EventType = models.EventStart
	case TypeTripUpdated:
		u.EventType = models.EventUpdate
	case TypeTripFinished:
		u.EventType = models.EventFinish
	default:
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "unknown type %q", p.Type)
	}

	u.TripName = strings.TrimSpace(p.TripName)
	if u.TripName == "" {
		return TripUpdate{}, errors.Wrap(ErrMalformedPush, "empty trip_name")
	}

	gid, err := parseNumber(p.GroupID)
	if err != nil {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "group_id: %v", err)
	}
	if gid != math.Trunc(gid) || gid <= 0 || gid >= 1<<53 {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "group_id %v is not a positive integer", gid)
	}
	u.EntityID = int64(gid)

	if u.Latitude, err = parseNumber(p.Latitude); err != nil {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "latitude: %v", err)
	}
	if u.Longitude, err = parseNumber(p.Longitude); err != nil {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "longitude: %v", err)
	}
	if u.Latitude < -90 || u.Latitude > 90 || u.Longitude < -180 || u.Longitude > 180 {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "coordinates out of range (%v, %v)", u.Latitude, u.Longitude)
	}

	if u.Timestamp, err = parseTimestamp(p.Timestamp); err != nil {
		return TripUpdate{}, errors.Wrapf(ErrMalformedPush, "timestamp: %v", err)
	}

	return u, nil
}

// EncodePush builds the wire payload for u, numbers as strings.
func EncodePush(u TripUpdate) ([]byte, error) {
	typ := TypeTripUpdated
	switch u.EventType {
	case models.EventStart:
		typ = TypeTripStarted
	case models.EventFinish:
		typ = TypeTripFinished
	}
	return json.Marshal(map[string]any{
		"type":      typ,
		"trip_name": u.TripName,
		"group_id":  u.EntityID,
		"latitude":  strconv.FormatFloat(u.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(u.Longitude, 'f', -1, 64),
		"timestamp": u.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func parseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing")
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not finite")
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO-8601 with or without offset. A value without
// offset is read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized %q", s)
}
