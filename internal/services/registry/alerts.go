package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/proximity"
)

type AlertSink interface {
	PublishAlert(ctx context.Context, a proximity.Alert, at time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// AlertPublisher sends alerts to a broker topic keyed by entity id.
type AlertPublisher struct {
	producer Producer
	topic    string
}

func NewAlertPublisher(producer Producer, topic string) *AlertPublisher {
	return &AlertPublisher{producer: producer, topic: topic}
}

func (p *AlertPublisher) PublishAlert(ctx context.Context, a proximity.Alert, at time.Time) error {
	b, err := json.Marshal(messages.ProximityAlert{
		EntityID:        a.EntityID,
		TripName:        a.TripName,
		Target:          a.Target,
		ThresholdMeters: a.Threshold,
		DistanceMeters:  a.Distance,
		Reached:         a.Reached,
		Latitude:        a.Position.Latitude,
		Longitude:       a.Position.Longitude,
		At:              at.UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal proximity alert")
	}
	key := []byte(strconv.FormatInt(a.EntityID, 10))
	return p.producer.Publish(ctx, p.topic, key, b)
}
