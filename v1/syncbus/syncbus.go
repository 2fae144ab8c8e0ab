// Package syncbus propagates lock events between lock managers running on
// different nodes. Buses are fire-and-forget: a subscriber that cannot keep
// up loses events rather than blocking publishers.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// subscriberBuffer is the capacity of every subscription channel.
const subscriberBuffer = 64

// EventKind identifies a lock transition.
type EventKind string

const (
	// Locked is published when a manager grants a lock.
	Locked EventKind = "locked"
	// Unlocked is published when the owner releases a lock.
	Unlocked EventKind = "unlocked"
)

// Event describes a lock transition on one node.
type Event struct {
	Kind   EventKind     `json:"k"`
	Key    string        `json:"key"`
	Owner  string        `json:"o"`
	Lease  time.Duration `json:"l,omitempty"`
	Origin string        `json:"n"`
}

// Bus provides a simple pub/sub mechanism for lock events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Unsubscribe(ctx context.Context, ch <-chan Event) error
}

// Metrics reports bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// fanout delivers events to local subscribers. It is shared by every Bus
// implementation.
type fanout struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// add registers a subscriber. When ctx can be cancelled, the subscriber is
// removed on cancellation through unsubscribe.
func (f *fanout) add(ctx context.Context, unsubscribe func(<-chan Event)) (chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, rockerrors.ErrClosed
	}
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsubscribe(ch)
		}()
	}
	return ch, nil
}

// remove closes ch and reports how many subscribers remain.
func (f *fanout) remove(ch <-chan Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.subs {
		if c == ch {
			f.subs[i] = f.subs[len(f.subs)-1]
			f.subs = f.subs[:len(f.subs)-1]
			close(c)
			break
		}
	}
	return len(f.subs)
}

func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.closed = true
}

func (f *fanout) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
	}
}

// InMemoryBus is a local implementation of Bus for single-process use and tests.
type InMemoryBus struct {
	f fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if b.f.isClosed() {
		return rockerrors.ErrClosed
	}
	b.f.published.Add(1)
	b.f.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	return b.f.add(ctx, func(ch <-chan Event) {
		_ = b.Unsubscribe(context.Background(), ch)
	})
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.f.remove(ch)
	return nil
}

// Close closes every subscription. Later calls fail with ErrClosed.
func (b *InMemoryBus) Close() error {
	b.f.closeAll()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
