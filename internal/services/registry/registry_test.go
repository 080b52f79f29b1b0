package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/cache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/cache/rediscache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/proximity"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var school = geo.Point{Latitude: 12.95, Longitude: 77.60}

type fakeProducer struct {
	mu    sync.Mutex
	topic string
	keys  [][]byte
	vals  [][]byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, value)
	return nil
}

func createTestLog(t *testing.T) *samplelog.Log {
	t.Helper()
	l, err := samplelog.Open(filepath.Join(t.TempDir(), "observer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func push(t *testing.T, entityID int64, trip string, ev models.EventType, lat, lon float64, d time.Duration) []byte {
	t.Helper()
	b, err := messages.EncodePush(messages.TripUpdate{
		EntityID:  entityID,
		TripName:  trip,
		EventType: ev,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: t0.Add(d),
	})
	require.NoError(t, err)
	return b
}

func update(entityID int64, ev models.EventType, lat float64, d time.Duration) messages.TripUpdate {
	return messages.TripUpdate{EntityID: entityID, TripName: "morning", EventType: ev, Latitude: lat, Longitude: 77.60, Timestamp: t0.Add(d)}
}

func TestDispatcher_UnobservedEntityIsStillPersisted(t *testing.T) {
	ctx := context.Background()
	l := createTestLog(t)
	d := NewDispatcher(l, New(nil, nil, 0))

	for _, msg := range [][]byte{
		push(t, 5, "morning", models.EventStart, 12.90, 77.60, 0),
		push(t, 5, "morning", models.EventUpdate, 12.91, 77.61, time.Minute),
		push(t, 5, "morning", models.EventFinish, 12.92, 77.62, 2*time.Minute),
	} {
		out, err := d.Dispatch(ctx, msg)
		require.NoError(t, err)
		require.Equal(t, OutcomeStored, out)
	}

	got, err := l.ListTripSamples(ctx, 5, "morning", models.OriginPush)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, s := range got {
		require.NotNil(t, s.ReceivedAt)
		require.Equal(t, models.OriginPush, s.Origin)
	}
}

func TestDispatcher_DuplicateAndMalformed(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(createTestLog(t), New(nil, nil, 0))

	msg := push(t, 5, "morning", models.EventStart, 12.90, 77.60, 0)
	out, err := d.Dispatch(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, out)

	out, err = d.Dispatch(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)

	_, err = d.Dispatch(ctx, []byte(`{"type":"trip_updated","group_id":"5","latitude":"abc"}`))
	require.ErrorIs(t, err, messages.ErrMalformedPush)

	// The broker handler swallows malformed payloads so the message is committed.
	require.NoError(t, d.Handler(ctx)(nil, []byte(`not json`)))

	st := d.Stats()
	require.EqualValues(t, 4, st.TotalReceived)
	require.EqualValues(t, 2, st.TotalMalformed)
	require.EqualValues(t, 1, st.TotalDuplicate)
}

func TestDispatcher_RoutesToObservedController(t *testing.T) {
	ctx := context.Background()
	reg := New(nil, nil, 8)
	d := NewDispatcher(createTestLog(t), reg)

	c, release := reg.Observe(5)
	defer release()
	_, events, cancel := c.Watch()
	defer cancel()

	out, err := d.Dispatch(ctx, push(t, 5, "morning", models.EventStart, 12.90, 77.60, 0))
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, out)

	ev := <-events
	require.Equal(t, EventTrip, ev.Kind)
	require.Equal(t, "morning", ev.Trip.TripName())
	require.True(t, ev.Trip.IsActive())

	// Another entity is not routed here.
	out, err = d.Dispatch(ctx, push(t, 6, "morning", models.EventStart, 12.90, 77.60, 0))
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, out)
	require.Equal(t, 1, c.View().Len())
}

func TestController_FinishedTripTakesOnlyEarlierPoints(t *testing.T) {
	reg := New(nil, nil, 0)
	c, release := reg.Observe(5)
	defer release()

	upd := func(ev models.EventType, lat float64, d time.Duration) messages.TripUpdate {
		return messages.TripUpdate{EntityID: 5, TripName: "morning", EventType: ev, Latitude: lat, Longitude: 77.6, Timestamp: t0.Add(d)}
	}

	require.True(t, c.Apply(upd(models.EventStart, 12.90, 0)))
	require.True(t, c.Apply(upd(models.EventFinish, 12.92, 2*time.Minute)))
	// A late update sent before the finish is kept without reopening the trip.
	require.True(t, c.Apply(upd(models.EventUpdate, 12.91, time.Minute)))
	require.False(t, c.Apply(upd(models.EventUpdate, 12.95, 3*time.Minute)))

	v := c.View()
	require.False(t, v.IsActive())
	require.Equal(t, 3, v.Len())

	rebuilt, ok := models.ReconstructTripView([]models.PositionSample{
		upd(models.EventStart, 12.90, 0).Sample(t0),
		upd(models.EventFinish, 12.92, 2*time.Minute).Sample(t0),
		upd(models.EventUpdate, 12.91, time.Minute).Sample(t0),
		upd(models.EventUpdate, 12.95, 3*time.Minute).Sample(t0),
	})
	require.True(t, ok)
	require.Equal(t, rebuilt.Points(), v.Points())

	// Same timestamp twice is a no-op.
	c2, release2 := reg.Observe(6)
	defer release2()
	u := upd(models.EventStart, 12.90, 0)
	u.EntityID = 6
	require.True(t, c2.Apply(u))
	require.False(t, c2.Apply(u))
}

func TestController_NewTripReplacesView(t *testing.T) {
	reg := New(nil, nil, 0)
	c, release := reg.Observe(5)
	defer release()

	c.Apply(messages.TripUpdate{EntityID: 5, TripName: "morning", EventType: models.EventStart, Latitude: 1, Longitude: 1, Timestamp: t0})
	c.Apply(messages.TripUpdate{EntityID: 5, TripName: "morning", EventType: models.EventFinish, Latitude: 2, Longitude: 2, Timestamp: t0.Add(time.Hour)})

	require.True(t, c.Apply(messages.TripUpdate{EntityID: 5, TripName: "evening", EventType: models.EventStart, Latitude: 3, Longitude: 3, Timestamp: t0.Add(8 * time.Hour)}))
	require.Equal(t, "evening", c.View().TripName())
	require.True(t, c.View().IsActive())

	// A straggler from the morning trip is stale.
	require.False(t, c.Apply(messages.TripUpdate{EntityID: 5, TripName: "morning", EventType: models.EventUpdate, Latitude: 2, Longitude: 2, Timestamp: t0.Add(30 * time.Minute)}))
	require.Equal(t, "evening", c.View().TripName())
}

func alertEngine(store cache.BytesCache) *proximity.Engine {
	return proximity.NewEngine(proximity.NewLadder([]float64{1000, 500}, 0), []proximity.Target{{Name: "school", Point: school}}, store, time.Hour)
}

func TestDispatcher_ProximityAlertsFanOut(t *testing.T) {
	ctx := context.Background()
	prod := &fakeProducer{}
	reg := New(alertEngine(nil), NewAlertPublisher(prod, "trip.alerts"), 16)
	d := NewDispatcher(createTestLog(t), reg)

	c, release := reg.Observe(5)
	defer release()
	_, events, cancel := c.Watch()
	defer cancel()

	// ~5.5 km, ~890 m, ~1000.8 m, ~445 m from school.
	d.Route(ctx, update(5, models.EventStart, 12.90, 0))
	d.Route(ctx, update(5, models.EventUpdate, 12.942, time.Minute))
	d.Route(ctx, update(5, models.EventUpdate, 12.941, 2*time.Minute))
	d.Route(ctx, update(5, models.EventUpdate, 12.946, 3*time.Minute))

	var alerts []*proximity.Alert
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventAlert {
			alerts = append(alerts, ev.Alert)
		}
	}
	require.Len(t, alerts, 2)
	require.Equal(t, 1000.0, alerts[0].Threshold)
	require.Equal(t, 500.0, alerts[1].Threshold)

	require.Len(t, prod.vals, 2)
	require.Equal(t, "trip.alerts", prod.topic)
	require.Equal(t, "5", string(prod.keys[0]))
	require.EqualValues(t, 2, d.Stats().TotalAlerts)

	var msg messages.ProximityAlert
	require.NoError(t, json.Unmarshal(prod.vals[1], &msg))
	require.Equal(t, "school", msg.Target)
	require.Equal(t, 500.0, msg.ThresholdMeters)
	require.True(t, t0.Add(3*time.Minute).Equal(msg.At))
}

func TestDispatcher_AlertsForUnobservedEntity(t *testing.T) {
	ctx := context.Background()
	prod := &fakeProducer{}
	reg := New(alertEngine(nil), NewAlertPublisher(prod, "trip.alerts"), 16)
	d := NewDispatcher(createTestLog(t), reg)

	require.Equal(t, OutcomeStored, d.Route(ctx, update(7, models.EventStart, 12.90, 0)))
	require.Equal(t, OutcomeStored, d.Route(ctx, update(7, models.EventUpdate, 12.942, time.Minute)))
	require.Equal(t, OutcomeStored, d.Route(ctx, update(7, models.EventUpdate, 12.946, 2*time.Minute)))
	require.Zero(t, reg.Len())

	require.Len(t, prod.vals, 2)
	require.Equal(t, "7", string(prod.keys[1]))

	// A redelivered update is a duplicate and does not alert again.
	require.Equal(t, OutcomeDuplicate, d.Route(ctx, update(7, models.EventUpdate, 12.946, 2*time.Minute)))
	require.Len(t, prod.vals, 2)
}

func TestDispatcher_FinishReleasesFiredSets(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	engine := alertEngine(rediscache.New(mr.Addr()))
	prod := &fakeProducer{}
	d := NewDispatcher(createTestLog(t), New(engine, NewAlertPublisher(prod, "trip.alerts"), 16))

	d.Route(ctx, update(5, models.EventStart, 12.90, 0))
	d.Route(ctx, update(5, models.EventUpdate, 12.942, time.Minute))
	require.Equal(t, 1, engine.Len())

	d.Route(ctx, update(5, models.EventFinish, 12.90, 3*time.Minute))
	require.Zero(t, engine.Len())
	require.Len(t, prod.vals, 1)

	// A late update of the finished trip reads its fired set from the store.
	d.Route(ctx, update(5, models.EventUpdate, 12.943, 2*time.Minute))
	require.Len(t, prod.vals, 1)
}

func TestController_WatchStartsFromCurrentView(t *testing.T) {
	ctx := context.Background()
	reg := New(nil, nil, 8)
	d := NewDispatcher(createTestLog(t), reg)
	c, release := reg.Observe(5)
	defer release()

	d.Route(ctx, update(5, models.EventStart, 12.90, 0))

	view, events, cancel := c.Watch()
	defer cancel()
	require.Equal(t, 1, view.Len())
	require.Empty(t, events)

	d.Route(ctx, update(5, models.EventUpdate, 12.91, time.Minute))
	ev := <-events
	require.Equal(t, EventTrip, ev.Kind)
	require.Equal(t, 2, ev.Trip.Len())
}

func TestRegistry_ObserveIsRefCounted(t *testing.T) {
	reg := New(nil, nil, 0)

	c1, release1 := reg.Observe(5)
	c2, release2 := reg.Observe(5)
	require.Same(t, c1, c2)
	require.Equal(t, 1, reg.Len())

	_, events, _ := c1.Watch()

	release1()
	release1()
	_, ok := reg.Get(5)
	require.True(t, ok)

	release2()
	_, ok = reg.Get(5)
	require.False(t, ok)
	require.Zero(t, reg.Len())

	_, open := <-events
	require.False(t, open)

	c3, release3 := reg.Observe(5)
	defer release3()
	require.NotSame(t, c1, c3)
	require.True(t, c3.View().IsZero())
}

func TestController_SlowSubscriberDoesNotBlock(t *testing.T) {
	reg := New(nil, nil, 1)
	c, release := reg.Observe(5)
	defer release()
	_, _, cancel := c.Watch()
	defer cancel()

	for i := 0; i < 5; i++ {
		c.Apply(messages.TripUpdate{EntityID: 5, TripName: "m", EventType: models.EventUpdate, Latitude: 1, Longitude: 1, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	require.Equal(t, 5, c.View().Len())
	require.EqualValues(t, 4, c.Dropped())
}

func TestController_LoadMergesSameTrip(t *testing.T) {
	reg := New(nil, nil, 0)
	c, release := reg.Observe(5)
	defer release()

	c.Apply(messages.TripUpdate{EntityID: 5, TripName: "m", EventType: models.EventUpdate, Latitude: 2, Longitude: 2, Timestamp: t0.Add(time.Minute)})
	_, loaded := c.Snapshot()
	require.False(t, loaded)

	logView := models.NewTripView("m", models.TripPoint{Latitude: 1, Longitude: 1, Timestamp: t0})
	v := c.Load(logView)
	require.Equal(t, 2, v.Len())
	require.Equal(t, t0, v.StartTime())
	_, ok := c.Snapshot()
	require.True(t, ok)

	older := models.NewTripView("earlier", models.TripPoint{Latitude: 0, Longitude: 0, Timestamp: t0.Add(-time.Hour)})
	require.Equal(t, "m", c.Load(older).TripName())
}
