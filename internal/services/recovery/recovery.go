package recovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// ErrAlreadyResolved is returned by a second Resume or Discard in the same
// process.
var ErrAlreadyResolved = errors.New("recovery already resolved")

type Log interface {
	LoadMarker(ctx context.Context) (*models.ActiveTripMarker, error)
	ClearMarker(ctx context.Context) error
	AbandonTrip(ctx context.Context, entityID int64, tripName string) (int64, error)
}

type Resumer interface {
	Resume(m models.ActiveTripMarker)
}

type Decision string

const (
	DecisionNone    Decision = "none"
	DecisionResume  Decision = "resume"
	DecisionDiscard Decision = "discard"
)

type Outcome struct {
	Decision  Decision
	TripName  string
	Abandoned int64
}

// Recovery offers the trip left behind by a previous process exactly once.
// Until it is resolved, Wait blocks; capture waits on it before starting or
// continuing a trip so a stale marker is never taken for a second trip.
type Recovery struct {
	log      Log
	pipeline Resumer

	checkOnce sync.Once
	checkErr  error
	marker    *models.ActiveTripMarker

	mu       sync.Mutex
	done     bool
	outcome  Outcome
	resolved chan struct{}
}

func New(log Log, pipeline Resumer) *Recovery {
	return &Recovery{
		log:      log,
		pipeline: pipeline,
		resolved: make(chan struct{}),
	}
}

// Check reads the marker once per process. With no marker recovery is
// resolved on the spot.
func (r *Recovery) Check(ctx context.Context) (*models.ActiveTripMarker, error) {
	r.checkOnce.Do(func() {
		m, err := r.log.LoadMarker(ctx)
		if err != nil {
			r.checkErr = errors.Wrap(err, "load marker")
			slog.Error("recovery check", "error", err.Error())
		}
		r.marker = m
		if m == nil {
			r.resolve(Outcome{Decision: DecisionNone})
		}
	})
	if r.marker == nil {
		return nil, r.checkErr
	}
	m := *r.marker
	return &m, r.checkErr
}

// Resume hands the marked trip back to the pipeline. The marker is kept as
// it is.
func (r *Recovery) Resume(ctx context.Context) error {
	return r.Decide(ctx, DecisionResume)
}

// Discard clears the marker and abandons the trip's pending samples. They
// stay in the log but are never synced or shown.
func (r *Recovery) Discard(ctx context.Context) error {
	return r.Decide(ctx, DecisionDiscard)
}

// Decide applies d to the marked trip. Only the first decision counts.
func (r *Recovery) Decide(ctx context.Context, d Decision) error {
	if d != DecisionResume && d != DecisionDiscard {
		return errors.Errorf("unknown recovery decision %q", d)
	}
	if _, err := r.Check(ctx); err != nil && r.marker == nil {
		return err
	}

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrAlreadyResolved
	}
	r.done = true
	r.mu.Unlock()

	m := *r.marker
	out := Outcome{Decision: d, TripName: m.TripName}
	switch d {
	case DecisionResume:
		r.pipeline.Resume(m)
	case DecisionDiscard:
		if err := r.log.ClearMarker(ctx); err != nil {
			slog.Error("recovery discard", "op", "clear marker", "error", err.Error())
		}
		n, err := r.log.AbandonTrip(ctx, m.EntityID, m.TripName)
		if err != nil {
			slog.Error("recovery discard", "op", "abandon trip", "error", err.Error())
		}
		out.Abandoned = n
	}

	slog.Info("recovery resolved", "decision", d, "trip", m.TripName, "abandoned", out.Abandoned)
	r.resolve(out)
	return nil
}

func (r *Recovery) resolve(out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.outcome = out
	select {
	case <-r.resolved:
	default:
		close(r.resolved)
	}
}

// Wait blocks until recovery is resolved or ctx is done.
func (r *Recovery) Wait(ctx context.Context) error {
	select {
	case <-r.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recovery) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}
