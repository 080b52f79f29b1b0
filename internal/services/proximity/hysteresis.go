package proximity

import (
	"sort"

	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
)

// FiredSet holds the thresholds (meters) that already produced an alert for
// one trip and target. The zero value is empty. Values are never mutated in
// place.
type FiredSet []float64

func (f FiredSet) Has(threshold float64) bool {
	for _, v := range f {
		if v == threshold {
			return true
		}
	}
	return false
}

func (f FiredSet) with(thresholds ...float64) FiredSet {
	out := make(FiredSet, 0, len(f)+len(thresholds))
	out = append(out, f...)
	for _, t := range thresholds {
		if !out.Has(t) {
			out = append(out, t)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

type Crossing struct {
	Threshold float64
	Distance  float64
	Reached   bool
}

// Ladder is an ordered set of alert thresholds plus an optional "reached"
// radius.
type Ladder struct {
	thresholds []float64
	reached    float64
}

// NewLadder sorts thresholds in descending order and drops non-positive and
// repeated values. reached <= 0 disables the reached alert.
func NewLadder(thresholds []float64, reached float64) Ladder {
	var ts []float64
	for _, t := range thresholds {
		if t > 0 && t != reached && !FiredSet(ts).Has(t) {
			ts = append(ts, t)
		}
	}
	if reached > 0 {
		ts = append(ts, reached)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(ts)))
	return Ladder{thresholds: ts, reached: reached}
}

func (l Ladder) Thresholds() []float64 {
	return append([]float64(nil), l.thresholds...)
}

// Evaluate compares the distance between current and target with every
// threshold not yet in fired. Each newly crossed threshold is added to the
// returned set; the alert, if any, names the tightest of them.
func (l Ladder) Evaluate(current, target geo.Point, fired FiredSet) (*Crossing, FiredSet) {
	d := geo.Distance(current, target)

	var crossed []float64
	for _, t := range l.thresholds {
		if d <= t && !fired.Has(t) {
			crossed = append(crossed, t)
		}
	}
	if len(crossed) == 0 {
		return nil, fired
	}

	tightest := crossed[len(crossed)-1]
	return &Crossing{
		Threshold: tightest,
		Distance:  d,
		Reached:   l.reached > 0 && tightest == l.reached,
	}, fired.with(crossed...)
}
