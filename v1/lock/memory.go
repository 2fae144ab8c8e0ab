package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

type lockState struct {
	owner  string
	timer  *time.Timer
	notify chan struct{}
}

// InMemoryManager implements Manager in process memory. It only excludes
// callers sharing the same instance; use RedisManager across processes.
// Waiters are woken by release or lease expiry.
type InMemoryManager struct {
	mu     sync.Mutex
	locks  map[string]*lockState
	closed bool
	done   chan struct{}
}

// NewInMemoryManager returns an empty InMemoryManager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		locks: make(map[string]*lockState),
		done:  make(chan struct{}),
	}
}

// grant records a holder. Callers must hold m.mu.
func (m *InMemoryManager) grant(key, owner string, lease time.Duration) {
	st := &lockState{owner: owner, notify: make(chan struct{})}
	if lease > 0 {
		st.timer = time.AfterFunc(lease, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.locks[key] == st {
				m.drop(key, st)
			}
		})
	}
	m.locks[key] = st
}

// drop removes a holder and wakes its waiters. Callers must hold m.mu.
func (m *InMemoryManager) drop(key string, st *lockState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.notify)
	delete(m.locks, key)
}

// TryLock implements Manager.TryLock. It waits on release notifications
// rather than polling.
func (m *InMemoryManager) TryLock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	start := time.Now()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false, rockerrors.ErrClosed
		}
		st, held := m.locks[key]
		if !held {
			m.grant(key, owner, lease)
			m.mu.Unlock()
			return true, nil
		}
		notify := st.notify
		m.mu.Unlock()

		if wait >= 0 && time.Since(start) >= wait {
			return false, nil
		}
		if err := await(ctx, notify, m.done, wait-time.Since(start), wait >= 0); err != nil {
			return false, err
		}
	}
}

// await blocks until wake fires, the remaining budget runs out, ctx ends or
// done is closed.
func await(ctx context.Context, wake, done <-chan struct{}, remaining time.Duration, bounded bool) error {
	var timeout <-chan time.Time
	if bounded {
		t := time.NewTimer(remaining)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-wake:
	case <-timeout:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", rockerrors.ErrLockAcquisition, ctx.Err())
	case <-done:
		return rockerrors.ErrClosed
	}
	return nil
}

// Unlock implements Manager.Unlock. Only the current owner can release.
func (m *InMemoryManager) Unlock(ctx context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, rockerrors.ErrClosed
	}
	st, ok := m.locks[key]
	if !ok || st.owner != owner {
		return false, nil
	}
	m.drop(key, st)
	return true, nil
}

// Close stops the manager, failing pending and later calls with ErrClosed.
func (m *InMemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for key, st := range m.locks {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.locks, key)
	}
	return nil
}
