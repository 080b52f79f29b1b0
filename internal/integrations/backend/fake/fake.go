package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// ErrOffline is returned while the fake is switched offline or a scripted
// failure fires.
var ErrOffline = errors.New("backend unreachable")

type Call struct {
	Op        string
	TripID    string
	EventType models.EventType
	Point     models.TripPoint
}

// Client is an in-memory remote sync endpoint. Writes are deduplicated on
// (trip, event type, timestamp) like the real one.
type Client struct {
	mu sync.Mutex

	offline bool
	failAt  map[int]bool
	calls   []Call

	byName map[string]string
	trips  map[string]*backend.ActiveTrip
	seen   map[string]bool
}

func New() *Client {
	return &Client{
		failAt: make(map[int]bool),
		byName: make(map[string]string),
		trips:  make(map[string]*backend.ActiveTrip),
		seen:   make(map[string]bool),
	}
}

// SetOffline makes every call fail until switched back.
func (c *Client) SetOffline(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = v
}

// FailCall makes the n-th call from now (1-based) fail once.
func (c *Client) FailCall(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAt[len(c.calls)+n] = true
}

// Calls returns every call seen so far, failed ones included.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Seed installs a trip returned by GetActiveTrip.
func (c *Client) Seed(trip backend.ActiveTrip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trip.TripID == "" {
		trip.TripID = uuid.NewString()
	}
	c.trips[trip.TripID] = &trip
}

func (c *Client) record(call Call) error {
	c.calls = append(c.calls, call)
	if c.offline {
		return ErrOffline
	}
	if c.failAt[len(c.calls)] {
		delete(c.failAt, len(c.calls))
		return ErrOffline
	}
	return nil
}

func (c *Client) CreateTrip(ctx context.Context, req backend.CreateTripRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: "create", EventType: models.EventStart, Point: req.Start}); err != nil {
		return "", err
	}

	name := backend.IdempotencyKey(req.TripName, models.EventStart, req.Start.Timestamp)
	if id, ok := c.byName[name]; ok {
		return id, nil
	}

	id := uuid.NewString()
	c.byName[name] = id
	c.trips[id] = &backend.ActiveTrip{
		TripID:   id,
		TripName: req.TripName,
		EntityID: req.EntityID,
		IsActive: true,
		Events: []backend.TripEvent{{
			EventType: models.EventStart,
			Latitude:  req.Start.Latitude,
			Longitude: req.Start.Longitude,
			Timestamp: req.Start.Timestamp,
		}},
	}
	return id, nil
}

func (c *Client) UpdateTrip(ctx context.Context, tripID string, p models.TripPoint) error {
	return c.write("update", tripID, models.EventUpdate, p)
}

func (c *Client) FinishTrip(ctx context.Context, tripID string, p models.TripPoint) error {
	return c.write("finish", tripID, models.EventFinish, p)
}

func (c *Client) write(op, tripID string, ev models.EventType, p models.TripPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: op, TripID: tripID, EventType: ev, Point: p}); err != nil {
		return err
	}

	trip, ok := c.trips[tripID]
	if !ok {
		return errors.Errorf("unknown trip %q", tripID)
	}

	key := backend.IdempotencyKey(tripID, ev, p.Timestamp)
	if c.seen[key] {
		return nil
	}
	c.seen[key] = true

	trip.Events = append(trip.Events, backend.TripEvent{
		EventType: ev,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp,
	})
	if ev == models.EventFinish {
		trip.IsActive = false
	}
	return nil
}

// GetActiveTrip returns the entity's active trip, if any.
func (c *Client) GetActiveTrip(ctx context.Context, entityID int64) (backend.ActiveTrip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: "get"}); err != nil {
		return backend.ActiveTrip{}, err
	}

	for _, t := range c.trips {
		if t.EntityID == entityID && t.IsActive {
			out := *t
			out.Events = append([]backend.TripEvent(nil), t.Events...)
			return out, nil
		}
	}
	return backend.ActiveTrip{}, backend.ErrNotFound
}
