package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/syncbus"
)

// ManagerRetry bounds the sleep between attempts when no release event
// arrives. It covers lease expiry and events lost by the bus.
const ManagerRetry = 100 * time.Millisecond

type wakeup struct {
	ch      chan struct{}
	waiters int
}

// RedisManager implements Manager on a shared Redis store. Ownership is
// decided by SET NX PX on the server, so managers on different nodes
// exclude each other. An optional syncbus Bus carries release events that
// wake waiters early; it never decides who holds a lock.
type RedisManager struct {
	client redis.UniversalClient
	bus    syncbus.Bus
	node   string
	logger *slog.Logger
	retry  time.Duration

	mu     sync.Mutex
	wake   map[string]*wakeup
	events <-chan syncbus.Event
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// ManagerOption configures a RedisManager.
type ManagerOption func(*RedisManager)

// WithBus sets the bus used to publish and receive release events.
func WithBus(b syncbus.Bus) ManagerOption {
	return func(m *RedisManager) { m.bus = b }
}

// WithNodeID sets the node id stamped on published events.
func WithNodeID(id string) ManagerOption {
	return func(m *RedisManager) {
		if id != "" {
			m.node = id
		}
	}
}

// WithManagerLogger sets the logger used for bus failures.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *RedisManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRetryInterval overrides ManagerRetry.
func WithRetryInterval(d time.Duration) ManagerOption {
	return func(m *RedisManager) {
		if d > 0 {
			m.retry = d
		}
	}
}

// NewRedisManager returns a manager storing locks through client.
func NewRedisManager(client redis.UniversalClient, opts ...ManagerOption) (*RedisManager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: lock manager without redis client", rockerrors.ErrConfiguration)
	}
	m := &RedisManager{
		client: client,
		logger: slog.Default(),
		retry:  ManagerRetry,
		wake:   make(map[string]*wakeup),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.node == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, err
		}
		m.node = id
	}
	if m.bus != nil {
		events, err := m.bus.Subscribe(context.Background())
		if err != nil {
			return nil, fmt.Errorf("lock manager: subscribe: %w", err)
		}
		m.events = events
		m.wg.Add(1)
		go m.consume(events)
	}
	return m, nil
}

// NodeID returns the id this manager stamps on its events.
func (m *RedisManager) NodeID() string {
	return m.node
}

func (m *RedisManager) consume(events <-chan syncbus.Event) {
	defer m.wg.Done()
	for ev := range events {
		if ev.Kind == syncbus.Unlocked {
			m.signal(ev.Key)
		}
	}
}

func (m *RedisManager) watch(key string) *wakeup {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wake[key]
	if !ok {
		w = &wakeup{ch: make(chan struct{})}
		m.wake[key] = w
	}
	w.waiters++
	return w
}

func (m *RedisManager) unwatch(key string, w *wakeup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.waiters--
	if w.waiters == 0 && m.wake[key] == w {
		delete(m.wake, key)
	}
}

// signal wakes every local waiter on key.
func (m *RedisManager) signal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wake[key]; ok {
		close(w.ch)
		delete(m.wake, key)
	}
}

func (m *RedisManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// TryLock implements Manager.TryLock.
func (m *RedisManager) TryLock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	start := time.Now()
	for {
		if m.isClosed() {
			return false, rockerrors.ErrClosed
		}
		// Watch before trying so a release between the attempt and the
		// wait is not missed.
		w := m.watch(key)
		ok, err := m.client.SetNX(ctx, key, owner, lease).Result()
		if err != nil || ok {
			m.unwatch(key, w)
			if err != nil {
				return false, fmt.Errorf("%w: %w", rockerrors.ErrLockAcquisition, err)
			}
			return true, nil
		}
		sleep := m.retry
		if wait >= 0 {
			remaining := wait - time.Since(start)
			if remaining <= 0 {
				m.unwatch(key, w)
				return false, nil
			}
			sleep = min(sleep, remaining)
		}
		err = await(ctx, w.ch, m.done, sleep, true)
		m.unwatch(key, w)
		if err != nil {
			return false, err
		}
	}
}

// Unlock implements Manager.Unlock with the compare-and-delete script, then
// announces the release.
func (m *RedisManager) Unlock(ctx context.Context, key, owner string) (bool, error) {
	if m.isClosed() {
		return false, rockerrors.ErrClosed
	}
	n, err := releaseScript.Run(ctx, m.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("%w: release %q: %w", rockerrors.ErrLockAcquisition, key, err)
	}
	if n != 1 {
		return false, nil
	}
	m.signal(key)
	if m.bus != nil {
		ev := syncbus.Event{Kind: syncbus.Unlocked, Key: key, Owner: owner, Origin: m.node}
		if err := m.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
			m.logger.Warn("lock manager: publish failed", "key", key, "error", err)
		}
	}
	return true, nil
}

// Close stops the manager, failing pending and later calls with ErrClosed.
// Locks held in Redis are left to expire.
func (m *RedisManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	if m.bus == nil {
		return nil
	}
	err := m.bus.Unsubscribe(context.Background(), m.events)
	m.wg.Wait()
	return err
}
