package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func pt(lat, lon float64, d time.Duration) TripPoint {
	return TripPoint{Latitude: lat, Longitude: lon, Timestamp: t0.Add(d)}
}

func TestTripView_AddPointDoesNotMutateReceiver(t *testing.T) {
	v1 := NewTripView("school-run", pt(12.90, 77.60, 0))
	v2 := v1.AddPoint(pt(12.91, 77.61, time.Minute))

	require.Equal(t, 1, v1.Len())
	require.Equal(t, 2, v2.Len())
	require.True(t, v2.IsActive())
}

func TestTripView_OutOfOrderAndDuplicate(t *testing.T) {
	v := NewTripView("trip", pt(1, 1, 0)).
		AddPoint(pt(3, 3, 2*time.Minute)).
		AddPoint(pt(2, 2, time.Minute)).
		AddPoint(pt(9, 9, time.Minute))

	pts := v.Points()
	require.Len(t, pts, 3)
	require.Equal(t, 2.0, pts[1].Latitude)
	for i := 1; i < len(pts); i++ {
		require.True(t, pts[i-1].Timestamp.Before(pts[i].Timestamp))
	}
}

func TestTripView_EarlierPointMovesStart(t *testing.T) {
	v := NewTripView("trip", pt(2, 2, time.Minute)).AddPoint(pt(1, 1, 0))
	require.Equal(t, t0, v.StartTime())
	require.Equal(t, 1.0, v.StartLocation().Latitude)
}

func TestTripView_FinishIsTerminal(t *testing.T) {
	end := pt(5, 5, 3*time.Minute)
	v := NewTripView("trip", pt(1, 1, 0)).Finish(&end)

	require.False(t, v.IsActive())
	final, ok := v.FinalLocation()
	require.True(t, ok)
	require.Equal(t, end, final)

	after := v.AddPoint(pt(6, 6, 4*time.Minute))
	require.Equal(t, 2, after.Len())
	require.False(t, after.IsActive())

	again := v.Finish(nil)
	require.Equal(t, v.Points(), again.Points())
}

func TestTripView_FinishedTakesEarlierPoints(t *testing.T) {
	end := pt(5, 5, 3*time.Minute)
	v := NewTripView("trip", pt(1, 1, 0)).Finish(&end)

	late := v.AddPoint(pt(2, 2, time.Minute))
	require.Equal(t, 3, late.Len())
	require.False(t, late.IsActive())
	final, _ := late.FinalLocation()
	require.Equal(t, end, final)
}

func TestTripView_FinishDropsLaterPoints(t *testing.T) {
	end := pt(5, 5, 2*time.Minute)
	v := NewTripView("trip", pt(1, 1, 0)).
		AddPoint(pt(2, 2, time.Minute)).
		AddPoint(pt(9, 9, 4*time.Minute)).
		Finish(&end)

	require.Equal(t, 3, v.Len())
	last, _ := v.Last()
	require.Equal(t, end, last)
}

// applyInOrder builds a view the way a live observer does, one sample at a
// time in arrival order.
func applyInOrder(samples []PositionSample) TripViewState {
	var v TripViewState
	for _, s := range samples {
		p := s.Point()
		switch {
		case v.IsZero():
			v = NewTripView(s.TripName, p)
			if s.EventType == EventFinish {
				v = v.Finish(nil)
			}
		case s.EventType == EventFinish:
			v = v.Finish(&p)
		default:
			v = v.AddPoint(p)
		}
	}
	return v
}

func permutations(in []PositionSample) [][]PositionSample {
	if len(in) <= 1 {
		return [][]PositionSample{append([]PositionSample(nil), in...)}
	}
	var out [][]PositionSample
	for i := range in {
		rest := make([]PositionSample, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, perm := range permutations(rest) {
			out = append(out, append([]PositionSample{in[i]}, perm...))
		}
	}
	return out
}

func TestTripView_ArrivalOrderMatchesReconstruction(t *testing.T) {
	samples := []PositionSample{
		{TripName: "t", EventType: EventStart, Latitude: 12.90, Longitude: 77.60, Timestamp: t0},
		{TripName: "t", EventType: EventUpdate, Latitude: 12.91, Longitude: 77.61, Timestamp: t0.Add(time.Minute)},
		{TripName: "t", EventType: EventFinish, Latitude: 12.92, Longitude: 77.62, Timestamp: t0.Add(2 * time.Minute)},
		{TripName: "t", EventType: EventUpdate, Latitude: 13.00, Longitude: 77.70, Timestamp: t0.Add(3 * time.Minute)},
	}
	want, ok := ReconstructTripView(samples)
	require.True(t, ok)
	wantFinal, _ := want.FinalLocation()

	for _, order := range permutations(samples) {
		got := applyInOrder(order)
		require.Equal(t, want.Points(), got.Points())
		require.Equal(t, want.StartTime(), got.StartTime())
		require.False(t, got.IsActive())
		final, ok := got.FinalLocation()
		require.True(t, ok)
		require.Equal(t, wantFinal, final)
	}
}

func TestReconstructTripView(t *testing.T) {
	samples := []PositionSample{
		{TripName: "t", EventType: EventFinish, Latitude: 12.92, Longitude: 77.62, Timestamp: t0.Add(2 * time.Minute)},
		{TripName: "t", EventType: EventStart, Latitude: 12.90, Longitude: 77.60, Timestamp: t0},
		{TripName: "t", EventType: EventUpdate, Latitude: 12.91, Longitude: 77.61, Timestamp: t0.Add(time.Minute)},
		{TripName: "t", EventType: EventUpdate, Latitude: 13.00, Longitude: 77.70, Timestamp: t0.Add(3 * time.Minute)},
	}

	v, ok := ReconstructTripView(samples)
	require.True(t, ok)
	require.Equal(t, "t", v.TripName())
	require.False(t, v.IsActive())
	require.Len(t, v.Points(), 3)
	require.Equal(t, 12.90, v.Points()[0].Latitude)
	require.Equal(t, 12.92, v.Points()[2].Latitude)

	_, ok = ReconstructTripView(nil)
	require.False(t, ok)
}

func TestReconstructTripView_MissingStart(t *testing.T) {
	v, ok := ReconstructTripView([]PositionSample{
		{TripName: "t", EventType: EventUpdate, Latitude: 1, Timestamp: t0.Add(time.Minute)},
		{TripName: "t", EventType: EventUpdate, Latitude: 2, Timestamp: t0.Add(2 * time.Minute)},
	})
	require.True(t, ok)
	require.True(t, v.IsActive())
	require.Equal(t, 1.0, v.StartLocation().Latitude)
}

func TestTripView_JSON(t *testing.T) {
	end := pt(2, 2, time.Minute)
	v := NewTripView("trip", pt(1, 1, 0)).Finish(&end)

	b, err := json.Marshal(v)
	require.NoError(t, err)

	var back TripViewState
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, v.TripName(), back.TripName())
	require.Equal(t, v.Len(), back.Len())
	require.False(t, back.IsActive())

	b, err = json.Marshal(TripViewState{})
	require.NoError(t, err)
	require.Contains(t, string(b), `"points":[]`)
}
