package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

var (
	ErrNoActiveTrip     = errors.New("no active trip")
	ErrTripActive       = errors.New("a trip is already active")
	ErrCapabilityDenied = errors.New("position capability denied")
)

// Log is the durable local log as the mover uses it.
type Log interface {
	AppendSample(ctx context.Context, s models.PositionSample) (int64, bool, error)
	MarkSynced(ctx context.Context, id int64) (bool, error)
	ListPending(ctx context.Context, limit int) ([]*models.PositionSample, error)
	LatestSample(ctx context.Context, entityID int64, origin models.Origin) (*models.PositionSample, error)

	SaveMarker(ctx context.Context, m models.ActiveTripMarker) error
	LoadMarker(ctx context.Context) (*models.ActiveTripMarker, error)
	ClearMarker(ctx context.Context) error

	RegisterTrip(ctx context.Context, b models.TripBinding) error
	BindTrip(ctx context.Context, entityID int64, tripName, tripID string) error
	TripBinding(ctx context.Context, entityID int64, tripName string) (*models.TripBinding, error)
}

// Remote is the write side of the remote sync endpoint.
type Remote interface {
	CreateTrip(ctx context.Context, req backend.CreateTripRequest) (string, error)
	UpdateTrip(ctx context.Context, tripID string, p models.TripPoint) error
	FinishTrip(ctx context.Context, tripID string, p models.TripPoint) error
}

// Pipeline turns a position stream into samples in the local log and pushes
// them to the remote endpoint. The local write always happens first; remote
// calls never block capture.
type Pipeline struct {
	log      Log
	remote   Remote
	entityID int64

	trigger           *Trigger
	reconcileInterval time.Duration
	syncTimeout       time.Duration
	batchSize         int

	mu     sync.Mutex
	marker *models.ActiveTripMarker
	last   *models.RawPosition

	// sendMu keeps remote calls in log order across live pushes and sweeps.
	sendMu sync.Mutex
	wg     sync.WaitGroup

	triggerCh chan struct{}
	sweeping  atomic.Bool

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCaptured       atomic.Int64
	totalLocalErrors    atomic.Int64
	totalSynced         atomic.Int64
	totalPushFailures   atomic.Int64
	totalSweeps         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(log Log, remote Remote, entityID int64) *Pipeline {
	return &Pipeline{
		log:               log,
		remote:            remote,
		entityID:          entityID,
		trigger:           NewTrigger(5, 8*time.Second),
		reconcileInterval: 30 * time.Second,
		syncTimeout:       10 * time.Second,
		batchSize:         500,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (p *Pipeline) WithSettings(displacement float64, interval, reconcileInterval, syncTimeout time.Duration, batchSize int) *Pipeline {
	p.trigger = NewTrigger(displacement, interval)
	if reconcileInterval > 0 {
		p.reconcileInterval = reconcileInterval
	}
	if syncTimeout > 0 {
		p.syncTimeout = syncTimeout
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	return p
}

// Active returns the marker of the trip in progress.
func (p *Pipeline) Active() (models.ActiveTripMarker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.marker == nil {
		return models.ActiveTripMarker{}, false
	}
	return *p.marker, true
}

// StartTrip writes the marker and the start sample, then pushes the start in
// the background.
func (p *Pipeline) StartTrip(ctx context.Context, tripName string, destination models.Location, start models.RawPosition) (models.ActiveTripMarker, error) {
	p.mu.Lock()
	if p.marker != nil {
		p.mu.Unlock()
		return models.ActiveTripMarker{}, ErrTripActive
	}
	existing, err := p.log.LoadMarker(ctx)
	if err != nil {
		slog.Error("load marker", "error", err.Error())
	}
	if existing != nil {
		p.mu.Unlock()
		return models.ActiveTripMarker{}, errors.Wrapf(ErrTripActive, "trip %q awaits recovery", existing.TripName)
	}

	start.Timestamp = start.Timestamp.UTC()
	m := models.ActiveTripMarker{
		TripName:    tripName,
		EntityID:    p.entityID,
		Destination: destination,
		StartTime:   start.Timestamp,
		IsActive:    true,
	}
	if err := p.log.SaveMarker(ctx, m); err != nil {
		p.localFailure("save marker", err)
	}
	if err := p.log.RegisterTrip(ctx, models.TripBinding{
		TripName:    tripName,
		EntityID:    p.entityID,
		Destination: destination,
	}); err != nil {
		p.localFailure("register trip", err)
	}
	p.marker = &m
	p.trigger.Reset(start)
	p.mu.Unlock()

	slog.Info("trip started", "trip", tripName, "entity_id", p.entityID)
	p.capture(ctx, m, models.EventStart, start)
	return m, nil
}

// Resume re-enters a trip found at process start. The marker is not
// written again.
func (p *Pipeline) Resume(m models.ActiveTripMarker) {
	p.mu.Lock()
	mm := m
	p.marker = &mm
	p.mu.Unlock()

	slog.Info("trip resumed", "trip", m.TripName, "entity_id", m.EntityID)
	p.Trigger()
}

// OnPositionSample records one reading of the active trip. A local write
// failure is logged and the trip goes on.
func (p *Pipeline) OnPositionSample(ctx context.Context, raw models.RawPosition) error {
	p.mu.Lock()
	if p.marker == nil {
		p.mu.Unlock()
		return ErrNoActiveTrip
	}
	m := *p.marker
	p.mu.Unlock()

	raw.Timestamp = raw.Timestamp.UTC()
	p.capture(ctx, m, models.EventUpdate, raw)
	return nil
}

// FinishTrip records the finish sample and clears the marker. With a nil
// position the last known one is used, stamped now.
func (p *Pipeline) FinishTrip(ctx context.Context, at *models.RawPosition) error {
	p.mu.Lock()
	if p.marker == nil {
		p.mu.Unlock()
		return ErrNoActiveTrip
	}
	m := *p.marker
	last := p.last
	p.marker = nil
	p.last = nil
	p.mu.Unlock()

	var final models.RawPosition
	switch {
	case at != nil:
		final = *at
	case last != nil:
		final = models.RawPosition{Latitude: last.Latitude, Longitude: last.Longitude}
	default:
		final = p.lastLogged(ctx, m)
	}
	if final.Timestamp.IsZero() {
		final.Timestamp = time.Now()
	}
	final.Timestamp = final.Timestamp.UTC()

	p.capture(ctx, m, models.EventFinish, final)
	if err := p.log.ClearMarker(ctx); err != nil {
		p.localFailure("clear marker", err)
	}

	slog.Info("trip finished", "trip", m.TripName, "entity_id", m.EntityID)
	return nil
}

func (p *Pipeline) lastLogged(ctx context.Context, m models.ActiveTripMarker) models.RawPosition {
	s, err := p.log.LatestSample(ctx, m.EntityID, models.OriginLocalCapture)
	if err == nil && s != nil && s.TripName == m.TripName {
		return models.RawPosition{Latitude: s.Latitude, Longitude: s.Longitude}
	}
	return models.RawPosition{Latitude: m.Destination.Latitude, Longitude: m.Destination.Longitude}
}

// capture does the one local write for a sample and hands it to a
// background push.
func (p *Pipeline) capture(ctx context.Context, m models.ActiveTripMarker, ev models.EventType, raw models.RawPosition) {
	p.mu.Lock()
	r := raw
	p.last = &r
	p.mu.Unlock()

	s := models.PositionSample{
		Latitude:  raw.Latitude,
		Longitude: raw.Longitude,
		Timestamp: raw.Timestamp,
		Speed:     raw.Speed,
		Accuracy:  raw.Accuracy,
		TripName:  m.TripName,
		EntityID:  m.EntityID,
		EventType: ev,
		Origin:    models.OriginLocalCapture,
		SyncState: models.SyncPending,
	}

	id, inserted, err := p.log.AppendSample(ctx, s)
	if err != nil {
		p.localFailure("append sample", err)
		return
	}
	if !inserted {
		return
	}
	p.totalCaptured.Add(1)
	p.pushAsync(id)
}

func (p *Pipeline) pushAsync(id int64) {
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.wg.Done()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.syncTimeout)
		defer cancel()
		p.pushLive(ctx, id)
	}()
}

// pushLive sends one freshly written sample. When older samples are still
// pending it leaves the work to a sweep so the endpoint sees log order.
func (p *Pipeline) pushLive(ctx context.Context, id int64) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	oldest, err := p.log.ListPending(ctx, 1)
	if err != nil {
		p.localFailure("list pending", err)
		return
	}
	if len(oldest) == 0 {
		return
	}
	if oldest[0].ID != id {
		p.Trigger()
		return
	}

	if err := p.send(ctx, oldest[0]); err != nil {
		p.pushFailure(oldest[0], err)
	}
}

// send performs the remote call for s and marks it synced on success.
func (p *Pipeline) send(ctx context.Context, s *models.PositionSample) error {
	tripID, err := p.tripID(ctx, s)
	if err != nil {
		return err
	}

	pt := s.Point()
	switch s.EventType {
	case models.EventStart:
		// Creating the trip was the start call.
	case models.EventUpdate:
		err = p.remote.UpdateTrip(ctx, tripID, pt)
	case models.EventFinish:
		err = p.remote.FinishTrip(ctx, tripID, pt)
	default:
		err = errors.Errorf("unknown event type %q", s.EventType)
	}
	if err != nil {
		return err
	}

	if _, err := p.log.MarkSynced(ctx, s.ID); err != nil {
		p.localFailure("mark synced", err)
		return errors.Wrap(err, "mark synced")
	}
	p.totalSynced.Add(1)
	return nil
}

// tripID returns the remote id of the sample's trip, creating the trip
// remotely when it has none yet.
func (p *Pipeline) tripID(ctx context.Context, s *models.PositionSample) (string, error) {
	b, err := p.log.TripBinding(ctx, s.EntityID, s.TripName)
	if err != nil {
		return "", err
	}
	if b != nil && b.TripID != "" {
		return b.TripID, nil
	}
	if b == nil {
		b = &models.TripBinding{TripName: s.TripName, EntityID: s.EntityID}
		if err := p.log.RegisterTrip(ctx, *b); err != nil {
			p.localFailure("register trip", err)
		}
	}

	tripID, err := p.remote.CreateTrip(ctx, backend.CreateTripRequest{
		EntityID:    s.EntityID,
		TripName:    s.TripName,
		Destination: b.Destination,
		Start:       s.Point(),
	})
	if err != nil {
		return "", errors.Wrap(err, "create trip")
	}

	if err := p.log.BindTrip(ctx, s.EntityID, s.TripName, tripID); err != nil {
		p.localFailure("bind trip", err)
	}
	p.mu.Lock()
	if p.marker != nil && p.marker.TripName == s.TripName && p.marker.TripID == "" {
		p.marker.TripID = tripID
		m := *p.marker
		p.mu.Unlock()
		if err := p.log.SaveMarker(ctx, m); err != nil {
			p.localFailure("save marker", err)
		}
	} else {
		p.mu.Unlock()
	}
	return tripID, nil
}

// Wait blocks until every background push has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) localFailure(op string, err error) {
	p.totalLocalErrors.Add(1)
	p.setLastError(err)
	slog.Error("local log", "op", op, "error", err.Error())
}

func (p *Pipeline) pushFailure(s *models.PositionSample, err error) {
	p.totalPushFailures.Add(1)
	p.setLastError(err)
	slog.Warn("push sample", "sample_id", s.ID, "trip", s.TripName, "event", s.EventType, "error", err.Error())
}

func (p *Pipeline) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
