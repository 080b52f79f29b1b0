package pipeline

import (
	"time"

	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// Trigger decides which raw readings become samples: a reading is taken
// when the mover has moved at least Displacement meters or Interval has
// passed since the last taken reading, whichever comes first.
type Trigger struct {
	displacement float64
	interval     time.Duration

	last *models.RawPosition
}

func NewTrigger(displacement float64, interval time.Duration) *Trigger {
	if displacement <= 0 {
		displacement = 5
	}
	if interval <= 0 {
		interval = 8 * time.Second
	}
	return &Trigger{displacement: displacement, interval: interval}
}

// Fire reports whether raw should be captured and, if so, makes it the new
// reference reading.
func (t *Trigger) Fire(raw models.RawPosition) bool {
	if t.last == nil || t.due(raw) {
		r := raw
		t.last = &r
		return true
	}
	return false
}

// Reset makes raw the reference reading, as if it had just fired.
func (t *Trigger) Reset(raw models.RawPosition) {
	r := raw
	t.last = &r
}

func (t *Trigger) due(raw models.RawPosition) bool {
	if raw.Timestamp.Sub(t.last.Timestamp) >= t.interval {
		return true
	}
	d := geo.HaversineMeters(t.last.Latitude, t.last.Longitude, raw.Latitude, raw.Longitude)
	return d >= t.displacement
}
