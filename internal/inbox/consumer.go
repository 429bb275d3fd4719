package inbox

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/orderpay/backend/internal/broker"
	"github.com/orderpay/backend/internal/config"
	"github.com/sirupsen/logrus"
)

// ErrPoison marks a message that can never be handled, such as an
// undecodable payload. It is dropped instead of redelivered.
var ErrPoison = errors.New("poison message")

// Handler processes one message body. SequenceKey names the entity the
// message belongs to; messages with the same key are handled in order.
type Handler interface {
	SequenceKey(body []byte) (string, error)
	Handle(ctx context.Context, body []byte) error
}

// Consumer reads one topic and fans deliveries out to a fixed pool of
// workers, sharded by sequence key.
type Consumer struct {
	sub     broker.Subscriber
	topic   string
	handler Handler
	cfg     config.InboxConfig
	log     *logrus.Logger
}

func NewConsumer(sub broker.Subscriber, topic string, handler Handler, cfg config.InboxConfig, log *logrus.Logger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{sub: sub, topic: topic, handler: handler, cfg: cfg, log: log}
}

// Run consumes until ctx is cancelled, resubscribing after the cooldown
// whenever the subscription fails or drops.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.log.WithField("topic", c.topic)
	log.WithField("workers", c.cfg.Workers).Info("inbox consumer started")

	for {
		deliveries, err := c.sub.Subscribe(ctx, c.topic)
		if err != nil {
			log.WithError(err).Error("failed to subscribe")
		} else {
			c.dispatch(ctx, deliveries)
		}

		if ctx.Err() != nil {
			log.Info("inbox consumer stopped")
			return nil
		}
		log.WithField("cooldown", c.cfg.ErrorCooldown.String()).Warn("subscription ended, resubscribing after cooldown")

		select {
		case <-ctx.Done():
			log.Info("inbox consumer stopped")
			return nil
		case <-time.After(c.cfg.ErrorCooldown):
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan broker.Delivery) {
	workers := make([]chan broker.Delivery, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = make(chan broker.Delivery)
		wg.Add(1)
		go func(in <-chan broker.Delivery) {
			defer wg.Done()
			for d := range in {
				c.handle(ctx, d)
			}
		}(workers[i])
	}
	defer func() {
		for _, w := range workers {
			close(w)
		}
		wg.Wait()
	}()

	for d := range deliveries {
		key, err := c.handler.SequenceKey(d.Body)
		if err != nil {
			c.log.WithError(err).WithField("message_key", d.Key).Error("dropping undecodable message")
			c.nack(d, false)
			continue
		}

		select {
		case workers[shard(key, len(workers))] <- d:
		case <-ctx.Done():
			c.nack(d, true)
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	// Handling is not interrupted by shutdown; the message is acked or
	// nacked before the worker exits.
	err := c.handler.Handle(context.WithoutCancel(ctx), d.Body)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			c.log.WithError(ackErr).WithField("message_key", d.Key).Warn("failed to ack message")
		}
		return
	}

	fields := logrus.Fields{"topic": d.Topic, "message_key": d.Key}
	if errors.Is(err, ErrPoison) {
		c.log.WithError(err).WithFields(fields).Error("dropping poison message")
		c.nack(d, false)
		return
	}
	c.log.WithError(err).WithFields(fields).Warn("message handling failed, requeueing")
	c.nack(d, true)
}

func (c *Consumer) nack(d broker.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		c.log.WithError(err).WithField("message_key", d.Key).Warn("failed to nack message")
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
