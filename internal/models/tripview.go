package models

import (
	"encoding/json"
	"sort"
	"time"
)

type TripPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// TripViewState is the observer's reconstructed view of one entity's trip.
// It is a value: AddPoint and Finish return a new state and never touch the
// receiver's backing slice, so a snapshot can be handed to a reader without
// a lock.
type TripViewState struct {
	tripName      string
	startLocation TripPoint
	points        []TripPoint
	startTime     time.Time
	active        bool
	finalLocation *TripPoint
}

func NewTripView(tripName string, start TripPoint) TripViewState {
	return TripViewState{
		tripName:      tripName,
		startLocation: start,
		points:        []TripPoint{start},
		startTime:     start.Timestamp,
		active:        true,
	}
}

func (v TripViewState) IsZero() bool { return v.tripName == "" && len(v.points) == 0 }

func (v TripViewState) TripName() string         { return v.tripName }
func (v TripViewState) StartLocation() TripPoint { return v.startLocation }
func (v TripViewState) StartTime() time.Time     { return v.startTime }
func (v TripViewState) IsActive() bool           { return v.active }
func (v TripViewState) Len() int                 { return len(v.points) }

func (v TripViewState) FinalLocation() (TripPoint, bool) {
	if v.finalLocation == nil {
		return TripPoint{}, false
	}
	return *v.finalLocation, true
}

// Points returns a copy of the ordered points.
func (v TripViewState) Points() []TripPoint {
	out := make([]TripPoint, len(v.points))
	copy(out, v.points)
	return out
}

// Last returns the most recent point.
func (v TripViewState) Last() (TripPoint, bool) {
	if len(v.points) == 0 {
		return TripPoint{}, false
	}
	return v.points[len(v.points)-1], true
}

// AddPoint inserts p in timestamp order. A point with an already known
// timestamp leaves the state unchanged. A finished trip only takes points
// from before its final location and stays finished.
func (v TripViewState) AddPoint(p TripPoint) TripViewState {
	if !v.active && (v.finalLocation == nil || !p.Timestamp.Before(v.finalLocation.Timestamp)) {
		return v
	}
	nv, _ := v.insert(p)
	return nv
}

// Finish marks the trip terminal. If p is given it becomes the final
// location and points later than p are dropped. Finishing an already
// finished trip is a no-op.
func (v TripViewState) Finish(p *TripPoint) TripViewState {
	if !v.active {
		return v
	}
	nv := v
	if p != nil {
		nv, _ = v.insert(*p)
		cut := sort.Search(len(nv.points), func(i int) bool {
			return nv.points[i].Timestamp.After(p.Timestamp)
		})
		nv.points = nv.points[:cut]
	}
	nv.active = false
	if last, ok := nv.Last(); ok {
		nv.finalLocation = &last
	}
	return nv
}

func (v TripViewState) insert(p TripPoint) (TripViewState, bool) {
	idx := sort.Search(len(v.points), func(i int) bool {
		return !v.points[i].Timestamp.Before(p.Timestamp)
	})
	if idx < len(v.points) && v.points[idx].Timestamp.Equal(p.Timestamp) {
		return v, false
	}

	pts := make([]TripPoint, 0, len(v.points)+1)
	pts = append(pts, v.points[:idx]...)
	pts = append(pts, p)
	pts = append(pts, v.points[idx:]...)

	nv := v
	nv.points = pts
	if idx == 0 {
		nv.startLocation = p
		nv.startTime = p.Timestamp
	}
	return nv, true
}

// ReconstructTripView rebuilds the view of one trip from its samples. The
// first sample by timestamp opens the trip and the first finish closes it;
// anything after the finish is ignored. The result does not depend on the
// order the samples arrived in.
func ReconstructTripView(samples []PositionSample) (TripViewState, bool) {
	if len(samples) == 0 {
		return TripViewState{}, false
	}

	sorted := make([]PositionSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return eventRank(sorted[i].EventType) < eventRank(sorted[j].EventType)
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	v := NewTripView(sorted[0].TripName, sorted[0].Point())
	if sorted[0].EventType == EventFinish {
		v = v.Finish(nil)
	}
	for _, s := range sorted[1:] {
		p := s.Point()
		if s.EventType == EventFinish {
			v = v.Finish(&p)
			continue
		}
		v = v.AddPoint(p)
	}
	return v, true
}

func eventRank(e EventType) int {
	switch e {
	case EventStart:
		return 0
	case EventUpdate:
		return 1
	default:
		return 2
	}
}

type tripViewJSON struct {
	TripName      string      `json:"trip_name"`
	StartLocation TripPoint   `json:"start_location"`
	Points        []TripPoint `json:"points"`
	StartTime     time.Time   `json:"start_time"`
	IsActive      bool        `json:"is_active"`
	FinalLocation *TripPoint  `json:"final_location,omitempty"`
}

func (v TripViewState) MarshalJSON() ([]byte, error) {
	pts := v.points
	if pts == nil {
		pts = []TripPoint{}
	}
	return json.Marshal(tripViewJSON{
		TripName:      v.tripName,
		StartLocation: v.startLocation,
		Points:        pts,
		StartTime:     v.startTime,
		IsActive:      v.active,
		FinalLocation: v.finalLocation,
	})
}

func (v *TripViewState) UnmarshalJSON(b []byte) error {
	var j tripViewJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*v = TripViewState{
		tripName:      j.TripName,
		startLocation: j.StartLocation,
		points:        j.Points,
		startTime:     j.StartTime,
		active:        j.IsActive,
		finalLocation: j.FinalLocation,
	}
	return nil
}
