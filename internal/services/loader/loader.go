package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/cache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/registry"
)

type Log interface {
	AppendSample(ctx context.Context, s models.PositionSample) (int64, bool, error)
	LatestSample(ctx context.Context, entityID int64, origin models.Origin) (*models.PositionSample, error)
	ListTripSamples(ctx context.Context, entityID int64, tripName string, origin models.Origin) ([]*models.PositionSample, error)
}

type Remote interface {
	GetActiveTrip(ctx context.Context, entityID int64) (backend.ActiveTrip, error)
}

type Tier string

const (
	TierMemory Tier = "memory"
	TierLog    Tier = "log"
	TierRemote Tier = "remote"
	// TierCached is a log hit that was stale or terminal, returned because
	// the remote tier had nothing better.
	TierCached Tier = "cached"
	TierNone   Tier = "none"
)

type Result struct {
	View  models.TripViewState `json:"trip"`
	Found bool                 `json:"found"`
	Tier  Tier                 `json:"tier"`
}

// Loader answers "does this entity have a trip to show" from memory, then
// the local log, then the remote endpoint.
type Loader struct {
	log      Log
	remote   Remote
	registry *registry.Registry
	rl       cache.RateLimiter

	staleness          time.Duration
	remoteTimeout      time.Duration
	rateLimitPerMinute int64

	now func() time.Time

	hits          [4]atomic.Int64
	remoteErrors  atomic.Int64
	remoteLimited atomic.Int64
}

func New(log Log, remote Remote, reg *registry.Registry) *Loader {
	return &Loader{
		log:           log,
		remote:        remote,
		registry:      reg,
		staleness:     2 * time.Minute,
		remoteTimeout: 10 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (l *Loader) WithSettings(staleness, remoteTimeout time.Duration) *Loader {
	if staleness > 0 {
		l.staleness = staleness
	}
	if remoteTimeout > 0 {
		l.remoteTimeout = remoteTimeout
	}
	return l
}

// WithRateLimit caps remote fetches per entity per minute.
func (l *Loader) WithRateLimit(rl cache.RateLimiter, perMinute int) *Loader {
	l.rl = rl
	l.rateLimitPerMinute = int64(perMinute)
	return l
}

// LoadActiveTrip never fails: when every tier misses it returns what the log
// has, or an empty result. A resolved view is installed into the entity's
// controller if it is being observed.
func (l *Loader) LoadActiveTrip(ctx context.Context, entityID int64) Result {
	var c *registry.Controller
	if l.registry != nil {
		c, _ = l.registry.Get(entityID)
	}

	if c != nil {
		if v, loaded := c.Snapshot(); v.IsActive() {
			if !loaded {
				v = l.mergeHistory(ctx, c)
			}
			return l.hit(Result{View: v, Found: true, Tier: TierMemory})
		}
	}

	cached, fresh := l.fromLog(ctx, entityID)
	if fresh {
		return l.install(c, Result{View: cached, Found: true, Tier: TierLog})
	}

	if v, ok := l.fromRemote(ctx, entityID); ok {
		return l.install(c, Result{View: v, Found: true, Tier: TierRemote})
	}

	if !cached.IsZero() {
		return l.install(c, Result{View: cached, Found: true, Tier: TierCached})
	}
	if c != nil {
		if v := c.View(); !v.IsZero() {
			return l.hit(Result{View: v, Found: true, Tier: TierMemory})
		}
	}
	return l.hit(Result{Tier: TierNone})
}

// mergeHistory folds the log's view of the trip into a controller whose view
// was opened by a push after the trip had started.
func (l *Loader) mergeHistory(ctx context.Context, c *registry.Controller) models.TripViewState {
	logged, _ := l.fromLog(ctx, c.EntityID())
	if logged.IsZero() {
		return c.View()
	}
	return c.Load(logged)
}

// fromLog reconstructs the most recent push-origin trip. fresh is set when
// that trip is not finished and its last sample is inside the staleness
// window.
func (l *Loader) fromLog(ctx context.Context, entityID int64) (models.TripViewState, bool) {
	latest, err := l.log.LatestSample(ctx, entityID, models.OriginPush)
	if err != nil {
		slog.Error("loader latest sample", "entity_id", entityID, "error", err.Error())
		return models.TripViewState{}, false
	}
	if latest == nil {
		return models.TripViewState{}, false
	}

	samples, err := l.log.ListTripSamples(ctx, entityID, latest.TripName, models.OriginPush)
	if err != nil {
		slog.Error("loader trip samples", "entity_id", entityID, "trip", latest.TripName, "error", err.Error())
		return models.TripViewState{}, false
	}
	flat := make([]models.PositionSample, 0, len(samples))
	for _, s := range samples {
		flat = append(flat, *s)
	}
	v, ok := models.ReconstructTripView(flat)
	if !ok {
		return models.TripViewState{}, false
	}

	fresh := v.IsActive() && l.now().Sub(latest.Timestamp) <= l.staleness
	return v, fresh
}

func (l *Loader) fromRemote(ctx context.Context, entityID int64) (models.TripViewState, bool) {
	if l.remote == nil {
		return models.TripViewState{}, false
	}

	if l.rl != nil && l.rateLimitPerMinute > 0 {
		key := fmt.Sprintf("rl:loader:%d:%s", entityID, l.now().Format("200601021504"))
		allowed, n, err := l.rl.Allow(ctx, key, l.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Error("loader rate limit", "entity_id", entityID, "error", err.Error())
		} else if !allowed {
			l.remoteLimited.Add(1)
			slog.Warn("loader remote fetch rate limited", "entity_id", entityID, "count", n)
			return models.TripViewState{}, false
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, l.remoteTimeout)
	defer cancel()

	trip, err := l.remote.GetActiveTrip(callCtx, entityID)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			l.remoteErrors.Add(1)
			slog.Warn("loader remote fetch", "entity_id", entityID, "error", err.Error())
		}
		return models.TripViewState{}, false
	}
	if trip.EntityID == 0 {
		trip.EntityID = entityID
	}

	samples := trip.Samples(l.now())
	v, ok := models.ReconstructTripView(samples)
	if !ok {
		return models.TripViewState{}, false
	}

	// Write back so the next open is a log hit.
	for _, s := range samples {
		if _, _, err := l.log.AppendSample(ctx, s); err != nil {
			slog.Error("loader write back", "entity_id", entityID, "trip", s.TripName, "error", err.Error())
			break
		}
	}
	return v, true
}

func (l *Loader) install(c *registry.Controller, r Result) Result {
	if c != nil {
		r.View = c.Load(r.View)
	}
	return l.hit(r)
}

func (l *Loader) hit(r Result) Result {
	switch r.Tier {
	case TierMemory:
		l.hits[0].Add(1)
	case TierLog:
		l.hits[1].Add(1)
	case TierRemote:
		l.hits[2].Add(1)
	default:
		l.hits[3].Add(1)
	}
	return r
}

type Stats struct {
	MemoryHits    int64 `json:"memoryHits"`
	LogHits       int64 `json:"logHits"`
	RemoteHits    int64 `json:"remoteHits"`
	Fallbacks     int64 `json:"fallbacks"`
	RemoteErrors  int64 `json:"remoteErrors"`
	RemoteLimited int64 `json:"remoteLimited"`
}

func (l *Loader) Stats() Stats {
	return Stats{
		MemoryHits:    l.hits[0].Load(),
		LogHits:       l.hits[1].Load(),
		RemoteHits:    l.hits[2].Load(),
		Fallbacks:     l.hits[3].Load(),
		RemoteErrors:  l.remoteErrors.Load(),
		RemoteLimited: l.remoteLimited.Load(),
	}
}
