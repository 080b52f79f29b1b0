package pgsamples

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

func TestPGSamples_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "observer_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/observer_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Ping(ctx))

	recv := time.Now().UTC()
	events := []models.EventType{models.EventStart, models.EventUpdate, models.EventFinish}
	for i, ev := range events {
		_, inserted, err := st.AppendSample(ctx, models.PositionSample{
			EntityID:   5,
			TripName:   "morning",
			EventType:  ev,
			Origin:     models.OriginPush,
			SyncState:  models.SyncSynced,
			Latitude:   12.90 + float64(i)*0.01,
			Longitude:  77.60 + float64(i)*0.01,
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			ReceivedAt: &recv,
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	// Redelivery of the update is a no-op.
	_, inserted, err := st.AppendSample(ctx, models.PositionSample{
		EntityID: 5, TripName: "morning", EventType: models.EventUpdate,
		Origin: models.OriginPush, SyncState: models.SyncSynced,
		Latitude: 12.91, Longitude: 77.61, Timestamp: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := st.ListTripSamples(ctx, 5, "morning", models.OriginPush)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Nil(t, got[0].Speed)
	require.NotNil(t, got[0].ReceivedAt)

	latest, err := st.LatestSample(ctx, 5, models.OriginPush)
	require.NoError(t, err)
	require.Equal(t, models.EventFinish, latest.EventType)

	n, err := st.SweepRetention(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
