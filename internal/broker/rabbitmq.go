package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orderpay/backend/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const maxReconnectDelay = time.Minute

// RabbitMQ maps topics onto routing keys of one durable topic exchange.
// Each consumer group reads from its own durable queue "{group}.{topic}".
// A dropped connection is redialled in the background and on next use.
type RabbitMQ struct {
	cfg config.BrokerConfig
	log *logrus.Logger

	// mu guards conn, pubCh and closed. Publish holds it until the confirm
	// arrives, so publishes are serialized on the one confirm channel.
	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
	done   chan struct{}
}

// Dial connects with retries, because the broker usually starts after us
// in docker-compose.
func Dial(cfg config.BrokerConfig, log *logrus.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{cfg: cfg, log: log, done: make(chan struct{})}

	attempts := cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		r.mu.Lock()
		err = r.connectLocked()
		r.mu.Unlock()
		if err == nil {
			break
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": i + 1,
			"of":      attempts,
		}).Warn("failed to connect to RabbitMQ, retrying")
		time.Sleep(cfg.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	log.WithField("exchange", cfg.Exchange).Info("connected to RabbitMQ")
	return r, nil
}

// connectLocked makes sure there is an open connection and an open confirm
// channel, dialling again if needed. r.mu must be held.
func (r *RabbitMQ) connectLocked() error {
	if r.closed {
		return ErrClosed
	}

	if r.conn == nil || r.conn.IsClosed() {
		if r.pubCh != nil {
			r.pubCh.Close()
			r.pubCh = nil
		}
		conn, err := amqp.Dial(r.cfg.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		r.conn = conn
		go r.watch(conn)
	}

	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return nil
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: failed to open a channel: %v", ErrUnavailable, err)
	}
	// Publisher confirms: Publish returns only once the broker has
	// persisted the message.
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("%w: failed to enable publisher confirms: %v", ErrUnavailable, err)
	}
	if err := declareExchange(ch, r.cfg.Exchange); err != nil {
		ch.Close()
		return err
	}
	r.pubCh = ch
	return nil
}

// watch redials with a growing delay once conn drops unexpectedly.
func (r *RabbitMQ) watch(conn *amqp.Connection) {
	closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || closeErr == nil {
		return
	}
	r.log.WithError(closeErr).Error("RabbitMQ connection closed unexpectedly")

	for attempt := 1; ; attempt++ {
		select {
		case <-r.done:
			return
		case <-time.After(reconnectDelay(r.cfg.RetryDelay, attempt)):
		}

		r.mu.Lock()
		err := r.connectLocked()
		r.mu.Unlock()
		if err == nil {
			r.log.WithField("attempt", attempt).Info("reconnected to RabbitMQ")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		r.log.WithError(err).WithField("attempt", attempt).Warn("reconnection failed, retrying")
	}
}

func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(attempt)
	if delay <= 0 {
		delay = time.Second
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

func (r *RabbitMQ) queueName(topic string) string {
	return r.cfg.ConsumerGroup + "." + topic
}

// channel opens a fresh channel, reconnecting first if the connection is
// gone.
func (r *RabbitMQ) channel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(); err != nil {
		return nil, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open a channel: %v", ErrUnavailable, err)
	}
	return ch, nil
}

// EnsureTopology declares the exchange plus this group's queue and binding
// for every topic. It must succeed before anything is published to those
// topics, otherwise the exchange has nowhere to route the messages.
func (r *RabbitMQ) EnsureTopology(ctx context.Context, topics ...string) error {
	var lastErr error
	attempts := r.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if lastErr = r.declareTopology(topics); lastErr == nil {
			r.log.WithField("topics", topics).Info("broker topology ready")
			return nil
		}
		r.log.WithError(lastErr).WithField("attempt", i+1).Warn("failed to declare broker topology, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("broker topology: %w", lastErr)
}

func (r *RabbitMQ) declareTopology(topics []string) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, r.cfg.Exchange); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := r.declareQueue(ch, topic); err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQ) declareQueue(ch *amqp.Channel, topic string) error {
	queue := r.queueName(topic)
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// Publish sends one persistent message and waits for the broker's confirm.
// Connection-level failures are reported as ErrUnavailable.
func (r *RabbitMQ) Publish(ctx context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(); err != nil {
		return err
	}

	confirm, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		r.cfg.Exchange,
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    key,
			Type:         topic,
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirm: %w", err)
	}
	if !acked {
		// Outstanding confirms are released as nacks when the channel dies.
		if r.pubCh.IsClosed() {
			return fmt.Errorf("%w: channel closed before confirm of %s", ErrUnavailable, key)
		}
		return fmt.Errorf("broker nacked message %s on %s", key, topic)
	}

	r.log.WithFields(logrus.Fields{
		"topic": topic,
		"key":   key,
	}).Debug("published message")
	return nil
}

// Subscribe consumes this group's queue for topic. The returned channel is
// closed when ctx ends or the connection drops. The AMQP channel stays open
// until every delivery handed out has been acked or nacked.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic string) (<-chan Delivery, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := r.declareQueue(ch, topic); err != nil {
		ch.Close()
		return nil, err
	}

	msgs, err := ch.Consume(
		r.queueName(topic),
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		forward(ctx, topic, msgs, out, r.log)
		ch.Close()
	}()
	return out, nil
}

// forward converts AMQP deliveries until ctx ends or msgs closes, then
// closes out and waits for the deliveries it handed out to be settled.
func forward(ctx context.Context, topic string, msgs <-chan amqp.Delivery, out chan<- Delivery, log *logrus.Logger) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				log.WithField("topic", topic).Warn("delivery channel closed")
				return
			}

			inflight.Add(1)
			var once sync.Once
			settled := func() { once.Do(inflight.Done) }
			d := NewDelivery(topic, msg.MessageId, msg.Body,
				func() error { defer settled(); return msg.Ack(false) },
				func(requeue bool) error { defer settled(); return msg.Nack(false, requeue) },
			)
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(true)
				return
			}
		}
	}
}

func (r *RabbitMQ) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	if r.pubCh != nil {
		r.pubCh.Close()
		r.pubCh = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
