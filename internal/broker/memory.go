package broker

import (
	"context"
	"fmt"
	"sync"
)

const memoryQueueSize = 1024

// Message is a record of something published to a MemoryBus.
type Message struct {
	Topic string
	Key   string
	Body  []byte
}

// MemoryBus is an in-process Publisher and Subscriber. Each topic is one
// queue shared by all subscribers, which compete for deliveries the way
// members of a consumer group do. Nack with requeue puts the message back.
type MemoryBus struct {
	mu        sync.Mutex
	queues    map[string]chan Delivery
	published []Message
	acked     []Message
	dropped   []Message
	failures  []error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string]chan Delivery)}
}

// FailNext makes the next len(errs) Publish calls fail with the given errors.
func (b *MemoryBus) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

func (b *MemoryBus) queue(topic string) chan Delivery {
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Delivery, memoryQueueSize)
		b.queues[topic] = q
	}
	return q
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Key: key, Body: append([]byte(nil), payload...)}
	b.published = append(b.published, msg)
	q := b.queue(topic)
	b.mu.Unlock()

	return b.enqueue(q, msg)
}

// Deliver enqueues a message without recording it as published, for tests
// that feed a consumer directly.
func (b *MemoryBus) Deliver(topic, key string, payload []byte) error {
	b.mu.Lock()
	q := b.queue(topic)
	b.mu.Unlock()
	return b.enqueue(q, Message{Topic: topic, Key: key, Body: payload})
}

func (b *MemoryBus) enqueue(q chan Delivery, msg Message) error {
	var d Delivery
	d = NewDelivery(msg.Topic, msg.Key, msg.Body,
		func() error {
			b.mu.Lock()
			b.acked = append(b.acked, msg)
			b.mu.Unlock()
			return nil
		},
		func(requeue bool) error {
			if requeue {
				select {
				case q <- d:
					return nil
				default:
					return fmt.Errorf("memory queue %s is full", msg.Topic)
				}
			}
			b.mu.Lock()
			b.dropped = append(b.dropped, msg)
			b.mu.Unlock()
			return nil
		},
	)

	select {
	case q <- d:
		return nil
	default:
		return fmt.Errorf("memory queue %s is full", msg.Topic)
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Delivery, error) {
	b.mu.Lock()
	q := b.queue(topic)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q:
				select {
				case out <- d:
				case <-ctx.Done():
					q <- d
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

func (b *MemoryBus) Acked() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.acked...)
}

// Dropped lists messages nacked without requeue.
func (b *MemoryBus) Dropped() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dropped...)
}
