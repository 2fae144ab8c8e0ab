package syncbus

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel lock events travel on.
const DefaultChannel = "rock:lock:events"

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	f      fanout
}

// NewRedisBus returns a new RedisBus using the provided client. An empty
// channel selects DefaultChannel.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		ps := b.client.Subscribe(context.Background(), b.channel)
		// Wait for the subscription confirmation so publishes issued after
		// Subscribe returns are not missed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsub = ps
		b.done = make(chan struct{})
		go b.dispatch(ps.Channel(), b.done)
	}
	return b.f.add(ctx, func(ch <-chan Event) {
		_ = b.Unsubscribe(context.Background(), ch)
	})
}

func (b *RedisBus) dispatch(msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		b.f.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f.remove(ch) > 0 || b.pubsub == nil {
		return nil
	}
	ps, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	err := ps.Close()
	<-done
	return err
}

// Metrics returns the published, delivered and dropped counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
