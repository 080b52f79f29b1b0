package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// Log is where every push update is kept, watched or not.
type Log interface {
	AppendSample(ctx context.Context, s models.PositionSample) (int64, bool, error)
}

type Outcome string

const (
	OutcomeRouted    Outcome = "routed"
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Dispatcher persists push updates, runs proximity for every entity and
// routes updates to the controller of the entity, if one is observed.
type Dispatcher struct {
	log Log
	reg *Registry
	now func() time.Time

	totalReceived  atomic.Int64
	totalMalformed atomic.Int64
	totalDuplicate atomic.Int64
	totalRouted    atomic.Int64
	totalLogErrors atomic.Int64
	totalAlerts    atomic.Int64
}

func NewDispatcher(log Log, reg *Registry) *Dispatcher {
	return &Dispatcher{
		log: log,
		reg: reg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch handles one raw push payload. A malformed payload returns an
// error wrapping messages.ErrMalformedPush; nothing else is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Outcome, error) {
	d.totalReceived.Add(1)

	u, err := messages.ParsePush(payload)
	if err != nil {
		d.totalMalformed.Add(1)
		slog.Warn("drop malformed push", "error", err.Error(), "payload_len", len(payload))
		return "", err
	}
	return d.Route(ctx, u), nil
}

// Route persists u as a push sample, evaluates proximity and hands it to
// the entity's controller. Neither the log write nor the alerts are tied to
// the controller's life.
func (d *Dispatcher) Route(ctx context.Context, u messages.TripUpdate) Outcome {
	_, inserted, err := d.log.AppendSample(ctx, u.Sample(d.now()))
	if err != nil {
		d.totalLogErrors.Add(1)
		slog.Error("persist push sample", "entity_id", u.EntityID, "trip", u.TripName, "error", err.Error())
		inserted = true
	}
	if !inserted {
		d.totalDuplicate.Add(1)
		return OutcomeDuplicate
	}

	out := OutcomeStored
	c, ok := d.reg.Get(u.EntityID)
	if ok {
		c.Apply(u)
		d.totalRouted.Add(1)
		out = OutcomeRouted
	}
	d.evaluate(ctx, c, u)
	return out
}

func (d *Dispatcher) evaluate(ctx context.Context, c *Controller, u messages.TripUpdate) {
	engine := d.reg.engine
	if engine == nil {
		return
	}
	if u.EventType == models.EventStart {
		engine.Reset(ctx, u.EntityID, u.TripName)
	}

	alerts := engine.Evaluate(ctx, u.EntityID, u.TripName, geo.Point{Latitude: u.Latitude, Longitude: u.Longitude})
	for _, a := range alerts {
		d.totalAlerts.Add(1)
		slog.Info("proximity alert",
			"entity_id", a.EntityID, "trip", a.TripName, "target", a.Target,
			"threshold_m", a.Threshold, "distance_m", a.Distance)

		if c != nil {
			c.publishAlert(a)
		}
		if d.reg.sink != nil {
			if err := d.reg.sink.PublishAlert(ctx, a, u.Timestamp); err != nil {
				slog.Error("publish proximity alert", "entity_id", a.EntityID, "error", err.Error())
			}
		}
	}

	if u.EventType == models.EventFinish {
		engine.Forget(u.EntityID, u.TripName)
	}
}

// Handler adapts Dispatch to a broker consumer. Every message is
// acknowledged: a malformed one is dropped after the warning.
func (d *Dispatcher) Handler(ctx context.Context) func(key, value []byte) error {
	return func(key, value []byte) error {
		if _, err := d.Dispatch(ctx, value); err != nil && !errors.Is(err, messages.ErrMalformedPush) {
			return err
		}
		return nil
	}
}

type Stats struct {
	Observed       int   `json:"observed"`
	TotalReceived  int64 `json:"totalReceived"`
	TotalMalformed int64 `json:"totalMalformed"`
	TotalDuplicate int64 `json:"totalDuplicate"`
	TotalRouted    int64 `json:"totalRouted"`
	TotalLogErrors int64 `json:"totalLogErrors"`
	TotalAlerts    int64 `json:"totalAlerts"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Observed:       d.reg.Len(),
		TotalReceived:  d.totalReceived.Load(),
		TotalMalformed: d.totalMalformed.Load(),
		TotalDuplicate: d.totalDuplicate.Load(),
		TotalRouted:    d.totalRouted.Load(),
		TotalLogErrors: d.totalLogErrors.Load(),
		TotalAlerts:    d.totalAlerts.Load(),
	}
}
