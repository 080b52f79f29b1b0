package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/proximity"
)

type EventKind string

const (
	EventTrip  EventKind = "trip"
	EventAlert EventKind = "alert"
)

// Event is what a controller publishes to its subscribers. Trip is a
// snapshot and may be read without a lock.
type Event struct {
	Kind     EventKind
	EntityID int64
	Trip     models.TripViewState
	Alert    *proximity.Alert
}

// Controller owns the trip view of one observed entity. Only the controller
// changes its view; subscribers get snapshots.
type Controller struct {
	entityID int64
	buffer   int

	mu      sync.Mutex
	view    models.TripViewState
	loaded  bool
	subs    map[int]chan Event
	nextSub int
	closed  bool

	dropped atomic.Int64
}

func newController(entityID int64, buffer int) *Controller {
	if buffer <= 0 {
		buffer = 16
	}
	return &Controller{
		entityID: entityID,
		buffer:   buffer,
		subs:     make(map[int]chan Event),
	}
}

func (c *Controller) EntityID() int64 { return c.entityID }

// View returns the current snapshot.
func (c *Controller) View() models.TripViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Snapshot returns the current view and whether it has been merged with the
// stored history of its trip. A view opened by a push alone holds only what
// arrived after the entity was observed.
func (c *Controller) Snapshot() (models.TripViewState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view, c.loaded
}

// Dropped counts events not delivered to a subscriber whose buffer was full.
func (c *Controller) Dropped() int64 { return c.dropped.Load() }

// Watch returns the current view and a channel of the events that follow
// it, plus a func that ends the subscription. No change falls between the
// view and the first event. The channel is closed on cancel or when the
// controller is torn down. A slow subscriber misses events rather than
// blocking the controller.
func (c *Controller) Watch() (models.TripViewState, <-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, cancel := c.subscribeLocked()
	return c.view, ch, cancel
}

func (c *Controller) subscribeLocked() (<-chan Event, func()) {
	ch := make(chan Event, c.buffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Apply merges one push update into the view. Stale updates of an older trip
// are ignored. A finished trip only takes points from before its finish. It
// reports whether the view changed.
func (c *Controller) Apply(u messages.TripUpdate) bool {
	p := models.TripPoint{Latitude: u.Latitude, Longitude: u.Longitude, Timestamp: u.Timestamp}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.view
	var next models.TripViewState
	newTrip := false
	switch {
	case cur.IsZero():
		next, newTrip = openView(u, p), true
	case u.TripName != cur.TripName():
		if u.Timestamp.Before(cur.StartTime()) {
			slog.Debug("stale update of previous trip", "entity_id", c.entityID, "trip", u.TripName)
			return false
		}
		next, newTrip = openView(u, p), true
	case u.EventType == models.EventFinish:
		next = cur.Finish(&p)
	default:
		next = cur.AddPoint(p)
	}

	if !newTrip && next.Len() == cur.Len() && next.IsActive() == cur.IsActive() {
		return false
	}
	if newTrip {
		c.loaded = false
	}
	c.view = next
	c.publishLocked(Event{Kind: EventTrip, EntityID: c.entityID, Trip: next})
	return true
}

func openView(u messages.TripUpdate, p models.TripPoint) models.TripViewState {
	v := models.NewTripView(u.TripName, p)
	if u.EventType == models.EventFinish {
		v = v.Finish(nil)
	}
	return v
}

// Load installs a view resolved by the loader. The same trip is merged
// point by point; another trip replaces the view only when it started
// later.
func (c *Controller) Load(v models.TripViewState) models.TripViewState {
	if v.IsZero() {
		return c.View()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.view
	var next models.TripViewState
	switch {
	case cur.IsZero():
		next = v
	case cur.TripName() != v.TripName():
		if !v.StartTime().After(cur.StartTime()) {
			return cur
		}
		next = v
	default:
		next = cur
		for _, p := range v.Points() {
			next = next.AddPoint(p)
		}
		if !v.IsActive() {
			fl, ok := v.FinalLocation()
			if ok {
				next = next.Finish(&fl)
			} else {
				next = next.Finish(nil)
			}
		}
	}

	c.view = next
	c.loaded = true
	c.publishLocked(Event{Kind: EventTrip, EntityID: c.entityID, Trip: next})
	return next
}

func (c *Controller) publishAlert(a proximity.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(Event{Kind: EventAlert, EntityID: c.entityID, Alert: &a})
}

func (c *Controller) publishLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.dropped.Add(1)
		}
	}
}

func (c *Controller) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
