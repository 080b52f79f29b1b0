package proximity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reachsriharsha/daari-parent-sub000/internal/cache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
)

type Target struct {
	Name  string
	Point geo.Point
}

type Alert struct {
	EntityID int64
	TripName string
	Target   string
	Crossing
	Position geo.Point
}

// Engine keeps one fired set per (entity, trip, target). Sets live in memory
// and, when a store is given, are written through so that a restarted
// observer does not alert twice for the same trip. In-memory sets expire
// with the same TTL as the stored ones.
type Engine struct {
	ladder  Ladder
	targets []Target
	store   cache.BytesCache
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	sets      map[string]firedEntry
	nextSweep time.Time
}

type firedEntry struct {
	set       FiredSet
	expires   time.Time
	persisted bool
}

const sweepEvery = time.Minute

func NewEngine(ladder Ladder, targets []Target, store cache.BytesCache, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Engine{
		ladder:  ladder,
		targets: append([]Target(nil), targets...),
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		sets:    make(map[string]firedEntry),
	}
}

func (e *Engine) Targets() []Target {
	return append([]Target(nil), e.targets...)
}

func firedKey(entityID int64, tripName, target string) string {
	return fmt.Sprintf("proximity:%d:%s:%s", entityID, tripName, target)
}

// Evaluate runs every target's ladder against p and returns the alerts that
// fired, in target order.
func (e *Engine) Evaluate(ctx context.Context, entityID int64, tripName string, p geo.Point) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweepLocked()

	var alerts []Alert
	for _, tg := range e.targets {
		key := firedKey(entityID, tripName, tg.Name)
		fired := e.load(ctx, key)

		crossing, next := e.ladder.Evaluate(p, tg.Point, fired)
		if crossing == nil {
			continue
		}

		e.sets[key] = firedEntry{
			set:       next,
			expires:   e.now().Add(e.ttl),
			persisted: e.save(ctx, key, next),
		}

		alerts = append(alerts, Alert{
			EntityID: entityID,
			TripName: tripName,
			Target:   tg.Name,
			Crossing: *crossing,
			Position: p,
		})
	}
	return alerts
}

// Fired reports the thresholds already alerted for a trip and target.
func (e *Engine) Fired(ctx context.Context, entityID int64, tripName, target string) FiredSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx, firedKey(entityID, tripName, target))
}

// Reset forgets the fired sets of a trip.
func (e *Engine) Reset(ctx context.Context, entityID int64, tripName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.targets))
	for _, tg := range e.targets {
		key := firedKey(entityID, tripName, tg.Name)
		delete(e.sets, key)
		keys = append(keys, key)
	}
	if e.store != nil {
		if err := e.store.Del(ctx, keys...); err != nil {
			slog.Error("proximity reset failed", "entity_id", entityID, "trip", tripName, "err", err)
		}
	}
}

// Forget drops the in-memory sets of a finished trip that the store already
// holds. A late update still reads them back from the store. Sets the store
// never took stay in memory until they expire.
func (e *Engine) Forget(entityID int64, tripName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tg := range e.targets {
		key := firedKey(entityID, tripName, tg.Name)
		if ent, ok := e.sets[key]; ok && ent.persisted {
			delete(e.sets, key)
		}
	}
}

// Len is the number of fired sets held in memory.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sets)
}

func (e *Engine) sweepLocked() {
	now := e.now()
	if now.Before(e.nextSweep) {
		return
	}
	e.nextSweep = now.Add(sweepEvery)
	for key, ent := range e.sets {
		if !now.Before(ent.expires) {
			delete(e.sets, key)
		}
	}
}

func (e *Engine) load(ctx context.Context, key string) FiredSet {
	if ent, ok := e.sets[key]; ok {
		if e.now().Before(ent.expires) {
			return ent.set
		}
		delete(e.sets, key)
	}
	if e.store == nil {
		return nil
	}

	b, ok, err := e.store.Get(ctx, key)
	if err != nil {
		slog.Error("proximity state load failed", "key", key, "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	var s FiredSet
	if err := json.Unmarshal(b, &s); err != nil {
		slog.Warn("proximity state corrupt", "key", key, "err", err)
		return nil
	}
	e.sets[key] = firedEntry{set: s, expires: e.now().Add(e.ttl), persisted: true}
	return s
}

func (e *Engine) save(ctx context.Context, key string, s FiredSet) bool {
	if e.store == nil {
		return false
	}
	b, err := json.Marshal(s)
	if err != nil {
		return false
	}
	if err := e.store.Set(ctx, key, b, e.ttl); err != nil {
		slog.Error("proximity state save failed", "key", key, "err", err)
		return false
	}
	return true
}
