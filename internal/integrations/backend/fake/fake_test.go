package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

var _ backend.Client = (*Client)(nil)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFake_TripLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New()

	req := backend.CreateTripRequest{EntityID: 7, TripName: "m", Start: models.TripPoint{Latitude: 1, Longitude: 1, Timestamp: t0}}
	id, err := c.CreateTrip(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := c.CreateTrip(ctx, req)
	require.NoError(t, err)
	require.Equal(t, id, again)

	p := models.TripPoint{Latitude: 2, Longitude: 2, Timestamp: t0.Add(time.Minute)}
	require.NoError(t, c.UpdateTrip(ctx, id, p))
	require.NoError(t, c.UpdateTrip(ctx, id, p))

	trip, err := c.GetActiveTrip(ctx, 7)
	require.NoError(t, err)
	require.Len(t, trip.Events, 2)

	require.NoError(t, c.FinishTrip(ctx, id, models.TripPoint{Timestamp: t0.Add(2 * time.Minute)}))
	_, err = c.GetActiveTrip(ctx, 7)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestFake_FailureInjection(t *testing.T) {
	ctx := context.Background()
	c := New()

	c.SetOffline(true)
	_, err := c.CreateTrip(ctx, backend.CreateTripRequest{TripName: "m", Start: models.TripPoint{Timestamp: t0}})
	require.ErrorIs(t, err, ErrOffline)
	c.SetOffline(false)

	id, err := c.CreateTrip(ctx, backend.CreateTripRequest{TripName: "m", Start: models.TripPoint{Timestamp: t0}})
	require.NoError(t, err)

	c.FailCall(2)
	require.NoError(t, c.UpdateTrip(ctx, id, models.TripPoint{Timestamp: t0.Add(time.Second)}))
	require.ErrorIs(t, c.UpdateTrip(ctx, id, models.TripPoint{Timestamp: t0.Add(2 * time.Second)}), ErrOffline)
	require.NoError(t, c.UpdateTrip(ctx, id, models.TripPoint{Timestamp: t0.Add(2 * time.Second)}))

	require.Len(t, c.Calls(), 5)
}

func TestFake_Seed(t *testing.T) {
	c := New()
	c.Seed(backend.ActiveTrip{EntityID: 3, TripName: "x", IsActive: true})

	trip, err := c.GetActiveTrip(context.Background(), 3)
	require.NoError(t, err)
	require.NotEmpty(t, trip.TripID)
	require.Equal(t, "x", trip.TripName)
}
