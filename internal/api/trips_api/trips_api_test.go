package trips_api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/loader"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/registry"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	srv  *httptest.Server
	log  *samplelog.Log
	reg  *registry.Registry
	disp *registry.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l, err := samplelog.Open(filepath.Join(t.TempDir(), "observer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	reg := registry.New(nil, nil, 16)
	disp := registry.NewDispatcher(l, reg)
	ld := loader.New(l, nil, reg)

	r := chi.NewRouter()
	New(ld, disp, reg).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, log: l, reg: reg, disp: disp}
}

func pushBody(t *testing.T, entityID int64, ev models.EventType, lat, lon float64, d time.Duration) []byte {
	t.Helper()
	b, err := messages.EncodePush(messages.TripUpdate{
		EntityID:  entityID,
		TripName:  "morning",
		EventType: ev,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: t0.Add(d),
	})
	require.NoError(t, err)
	return b
}

func (e *testEnv) post(t *testing.T, body []byte) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/v1/push", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestTripsAPI_PushThenLoad(t *testing.T) {
	e := newTestEnv(t)

	for _, b := range [][]byte{
		pushBody(t, 5, models.EventStart, 12.90, 77.60, 0),
		pushBody(t, 5, models.EventUpdate, 12.91, 77.61, time.Minute),
		pushBody(t, 5, models.EventFinish, 12.92, 77.62, 2*time.Minute),
	} {
		resp, out := e.post(t, b)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Equal(t, string(registry.OutcomeStored), out["outcome"])
	}

	resp, err := http.Get(e.srv.URL + "/v1/entities/5/trip")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "entity5_finished_trip", body)
}

func TestTripsAPI_PushRejectsMalformed(t *testing.T) {
	e := newTestEnv(t)

	resp, out := e.post(t, []byte(`{"type":"trip_updated","trip_name":"x","group_id":"5","latitude":"north","longitude":"1","timestamp":"2025-03-01T09:00:00Z"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, out["error"], "malformed push")

	resp, out = e.post(t, pushBody(t, 5, models.EventStart, 12.90, 77.60, 0))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, out = e.post(t, pushBody(t, 5, models.EventStart, 12.90, 77.60, 0))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, string(registry.OutcomeDuplicate), out["outcome"])
}

func TestTripsAPI_GetTripUnknownEntity(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/v1/entities/42/trip")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out TripResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.False(t, out.Found)
	require.Equal(t, loader.TierNone, out.Tier)
	require.Nil(t, out.Trip)

	bad, err := http.Get(e.srv.URL + "/v1/entities/abc/trip")
	require.NoError(t, err)
	defer bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestTripsAPI_StreamObservesEntity(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/entities/5/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, registry.EventTrip, first.Type)
	require.Nil(t, first.Trip)

	_, ok := e.reg.Get(5)
	require.True(t, ok)

	out, err := e.disp.Dispatch(context.Background(), pushBody(t, 5, models.EventStart, 12.90, 77.60, 0))
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeRouted, out)

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, registry.EventTrip, msg.Type)
	require.NotNil(t, msg.Trip)
	require.Equal(t, "morning", msg.Trip.TripName())
	require.True(t, msg.Trip.IsActive())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get(5)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTripsAPI_StreamSendsOneSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.disp.Dispatch(ctx, pushBody(t, 5, models.EventStart, 12.90, 77.60, 0))
	require.NoError(t, err)
	_, err = e.disp.Dispatch(ctx, pushBody(t, 5, models.EventUpdate, 12.91, 77.61, time.Minute))
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/entities/5/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.Trip)
	require.Equal(t, 2, first.Trip.Len())

	out, err := e.disp.Dispatch(ctx, pushBody(t, 5, models.EventUpdate, 12.92, 77.62, 2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeRouted, out)

	var next StreamMessage
	require.NoError(t, conn.ReadJSON(&next))
	require.Equal(t, registry.EventTrip, next.Type)
	require.NotNil(t, next.Trip)
	require.Equal(t, 3, next.Trip.Len())
}
