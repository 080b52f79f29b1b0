package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type deliverySource interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer reads push messages from a durable queue with manual acks.
type Consumer struct {
	conn  *amqp.Connection
	ch    deliverySource
	queue string
}

func Dial(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "set qos")
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "declare queue")
	}

	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func newConsumerWithChannel(ch deliverySource, queue string) *Consumer {
	return &Consumer{ch: ch, queue: queue}
}

func (c *Consumer) Close() error {
	err := c.ch.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Consume hands every delivery to handler, keyed by its routing key. A
// delivery is acked when handler returns nil. On a handler error it is
// requeued and Consume returns that error.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "start consuming")
	}

	slog.Info("amqp consumer started", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := handler([]byte(d.RoutingKey), d.Body); err != nil {
				_ = d.Nack(false, true)
				return err
			}
			if err := d.Ack(false); err != nil {
				return errors.Wrap(err, "ack")
			}
		}
	}
}
