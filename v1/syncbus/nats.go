package syncbus

import (
	"context"
	"encoding/json"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject lock events travel on.
const DefaultSubject = "rock.lock.events"

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn    *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
	f   fanout
}

// NewNATSBus returns a new NATSBus using the provided connection. An empty
// subject selects DefaultSubject.
func NewNATSBus(conn *nats.Conn, subject string) *NATSBus {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSBus{conn: conn, subject: subject}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return
			}
			b.f.deliver(ev)
		})
		if err != nil {
			return nil, err
		}
		// Make sure the server registered the interest before returning.
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.sub = sub
	}
	return b.f.add(ctx, func(ch <-chan Event) {
		_ = b.Unsubscribe(context.Background(), ch)
	})
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f.remove(ch) > 0 || b.sub == nil {
		return nil
	}
	sub := b.sub
	b.sub = nil
	return sub.Unsubscribe()
}

// Metrics returns the published, delivered and dropped counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
