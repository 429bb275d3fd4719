// Package broker is the asynchronous channel between the orders and payments
// services. Delivery is at-least-once: a message that is not acked is
// redelivered, so consumers must deduplicate.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: connection closed")
	// ErrUnavailable means the broker could not be reached. Nothing was
	// published, so the message is neither accepted nor rejected.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Publisher sends one message and returns only after the broker has
// accepted it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber streams deliveries for a topic until ctx is cancelled or the
// connection drops, at which point the channel is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Delivery, error)
}

// Delivery is a received message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Topic string
	Key   string
	Body  []byte

	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(topic, key string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Topic: topic, Key: key, Body: body, ack: ack, nack: nack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery. With requeue the broker delivers it again,
// without it the message is dropped (or dead-lettered by broker policy).
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}
