// Package notifier fans out order lifecycle events to subscribers. Delivery
// is best-effort over a pub/sub backend: no replay, no durability, and a
// subscriber that connects late misses earlier events. Redis pub/sub is the
// default backend; Kafka is available where fan-out must cross brokers.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// PubSubBackend abstracts the transport under the notifier.
type PubSubBackend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a payload channel for the given logical channel and
	// a cancel function that tears the subscription down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	Close() error
}

// RedisPubSub implements PubSubBackend on Redis pub/sub channels.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub creates a Redis-backed PubSubBackend.
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				// slow subscriber, drop
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

// Close is a no-op: the Redis client's lifetime is owned by the caller that
// injected it.
func (r *RedisPubSub) Close() error { return nil }

// KafkaPubSub implements PubSubBackend on a single Kafka topic, using the
// message key as the logical channel.
type KafkaPubSub struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
}

// NewKafkaPubSub creates a Kafka-backed PubSubBackend.
func NewKafkaPubSub(brokers []string, topic string) *KafkaPubSub {
	return &KafkaPubSub{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   k.topic,
		GroupID: fmt.Sprintf("swapd-%s-%s", channel, uuid.New().String()),
	})

	out := make(chan []byte, 64)
	subCtx, stop := context.WithCancel(ctx)
	go func() {
		defer close(out)
		for {
			m, err := reader.ReadMessage(subCtx)
			if err != nil {
				return
			}
			if string(m.Key) != channel {
				continue
			}
			select {
			case out <- m.Value:
			default:
			}
		}
	}()

	cancel := func() {
		stop()
		reader.Close()
	}
	return out, cancel, nil
}

// Close releases the Kafka writer.
func (k *KafkaPubSub) Close() error {
	return k.writer.Close()
}

// MemoryPubSub is an in-process PubSubBackend for tests and single-node runs.
type MemoryPubSub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewMemoryPubSub creates an empty MemoryPubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[chan []byte]struct{})}
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan []byte]struct{})
	}
	m.subs[channel][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[channel], ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *MemoryPubSub) Close() error { return nil }
