package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/extension"
	"github.com/mirkobrombin/go-rock/v1/lock"
	"github.com/mirkobrombin/go-rock/v1/syncbus"
)

type call struct {
	key, owner  string
	lease, wait time.Duration
}

// fakeBackend records calls and returns canned results.
type fakeBackend struct {
	mu        sync.Mutex
	lockOK    bool
	lockErr   error
	unlockErr error
	// hang blocks Unlock until its context ends.
	hang      bool
	locks     []call
	unlocks   []call
	ctxErrs   []error
}

func (f *fakeBackend) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, call{key, owner, lease, wait})
	return f.lockOK, f.lockErr
}

func (f *fakeBackend) Unlock(ctx context.Context, key, owner string) (bool, error) {
	f.mu.Lock()
	f.unlocks = append(f.unlocks, call{key: key, owner: owner})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return f.unlockErr == nil, f.unlockErr
}

func (f *fakeBackend) unlockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unlocks)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRegistry wires the built-in backends plus a "fake" backend. The managed
// backend runs on mr with release events on bus.
func newRegistry(t *testing.T, mr *miniredis.Miniredis, bus syncbus.Bus, fake *fakeBackend) *extension.Registry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m, err := lock.NewRedisManager(client, lock.WithBus(bus), lock.WithManagerLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	r := extension.New(
		extension.WithLogger(quiet()),
		extension.WithSource(fstest.MapFS{
			"extensions/" + lock.Capability: &fstest.MapFile{Data: []byte("fake=test.Fake\n")},
		}),
	)
	require.NoError(t, lock.Register(r, lock.Dependencies{Manager: m, Redis: client, Logger: quiet()}))
	require.NoError(t, r.Register(extension.Backend[lock.Backend]("test.Fake", func() (lock.Backend, error) {
		return fake, nil
	})))
	return r
}

func newCoordinator(t *testing.T, fake *fakeBackend, opts ...Option) *Coordinator {
	t.Helper()
	r := newRegistry(t, miniredis.RunT(t), syncbus.NewInMemoryBus(), fake)
	return New(r, append([]Option{WithLogger(quiet())}, opts...)...)
}

func fakeOptions(c *Coordinator) Options {
	o := c.Options()
	o.Type = "fake"
	o.Prefix = "orders"
	o.Key = "#id"
	return o
}

func TestDoReleasesAfterSuccess(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)

	ran := false
	err := c.Do(context.Background(), fakeOptions(c), map[string]any{"id": 42}, func(ctx context.Context) error {
		ran = true
		assert.Equal(t, 0, fake.unlockCount(), "released before fn ran")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	require.Len(t, fake.locks, 1)
	assert.Equal(t, "orders:42", fake.locks[0].key)
	assert.Equal(t, 30*time.Second, fake.locks[0].lease)
	assert.Equal(t, 5*time.Second, fake.locks[0].wait)
	require.Len(t, fake.unlocks, 1)
	assert.Equal(t, fake.locks[0].owner, fake.unlocks[0].owner)
	assert.NotEmpty(t, fake.locks[0].owner)
}

func TestDoReleasesOnceOnError(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)
	boom := errors.New("boom")

	err := c.Do(context.Background(), fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fake.unlockCount())
}

func TestDoReleasesOnceOnPanic(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = c.Do(context.Background(), fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, 1, fake.unlockCount())
}

func TestDoNotAcquired(t *testing.T) {
	fake := &fakeBackend{lockOK: false}
	c := newCoordinator(t, fake)

	ran := false
	err := c.Do(context.Background(), fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, ran)
	assert.Equal(t, 0, fake.unlockCount())
}

func TestDoLockErrorCleansUp(t *testing.T) {
	fake := &fakeBackend{lockErr: fmt.Errorf("%w: store down", rockerrors.ErrLockAcquisition)}
	c := newCoordinator(t, fake)

	err := c.Do(context.Background(), fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
		t.Fatal("fn ran without the lock")
		return nil
	})
	assert.ErrorIs(t, err, rockerrors.ErrLockAcquisition)
	assert.NotErrorIs(t, err, ErrNotAcquired)
	assert.Equal(t, 1, fake.unlockCount(), "expected a best-effort cleanup release")
}

func TestDoReleaseError(t *testing.T) {
	releaseErr := fmt.Errorf("%w: store down", rockerrors.ErrLockAcquisition)
	fake := &fakeBackend{lockOK: true, unlockErr: releaseErr}
	c := newCoordinator(t, fake)
	ctx := context.Background()

	err := c.Do(ctx, fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, releaseErr)

	boom := errors.New("boom")
	err = c.Do(ctx, fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, releaseErr)
}

func TestReleaseSurvivesCancelledContext(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Do(ctx, fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, fake.ctxErrs, 1)
	assert.NoError(t, fake.ctxErrs[0])
}

func TestGuardStateMachine(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)
	ctx := context.Background()

	g, err := c.Acquire(ctx, fakeOptions(c), map[string]any{"id": 9})
	require.NoError(t, err)
	assert.Equal(t, Held, g.State())
	assert.Equal(t, "orders:9", g.Key())

	ok, err := g.Release(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Released, g.State())

	ok, err = g.Release(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fake.unlockCount())
	assert.Equal(t, "released", Released.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}

func TestOwnerTokensAreUnique(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := range 100 {
		g, err := c.Acquire(ctx, fakeOptions(c), map[string]any{"id": i})
		require.NoError(t, err)
		seen[g.Owner()] = struct{}{}
		_, _ = g.Release(ctx)
	}
	assert.Len(t, seen, 100)
}

func TestCustomTokens(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake, WithTokens(func() string { return "fixed" }))
	g, err := c.Acquire(context.Background(), fakeOptions(c), map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "fixed", g.Owner())
}

func TestAcquireConfigurationErrors(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)
	ctx := context.Background()

	o := fakeOptions(c)
	o.Key = "#missing"
	_, err := c.Acquire(ctx, o, nil)
	assert.ErrorIs(t, err, rockerrors.ErrConfiguration)

	o = fakeOptions(c)
	o.ExpireTime = -1
	_, err = c.Acquire(ctx, o, map[string]any{"id": 1})
	assert.ErrorIs(t, err, rockerrors.ErrConfiguration)

	o = fakeOptions(c)
	o.Type = "etcd"
	_, err = c.Acquire(ctx, o, map[string]any{"id": 1})
	assert.ErrorIs(t, err, rockerrors.ErrResolution)

	assert.Empty(t, fake.locks)
}

func TestRunReturnsValue(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake)

	v, err := Run(c, context.Background(), fakeOptions(c), map[string]any{"id": 1}, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, fake.unlockCount())
}

func TestManagedBackendSerializesCalls(t *testing.T) {
	c := newCoordinator(t, &fakeBackend{})
	opts := c.Options()
	opts.Key = "counter"
	opts.WaitTime = -1

	counter := 0
	g, ctx := errgroup.WithContext(context.Background())
	for range 20 {
		g.Go(func() error {
			return c.Do(ctx, opts, nil, func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 20, counter)
}

func TestManagedBackendTimesOut(t *testing.T) {
	c := newCoordinator(t, &fakeBackend{})
	ctx := context.Background()
	opts := c.Options()
	opts.Key = "busy"
	opts.TimeUnit = time.Millisecond
	opts.ExpireTime = 60_000
	opts.WaitTime = 100

	held, err := c.Acquire(ctx, opts, nil)
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = c.Acquire(ctx, opts, nil)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireFillsZeroFieldsFromDefaults(t *testing.T) {
	fake := &fakeBackend{lockOK: true}
	c := newCoordinator(t, fake, WithDefaults(Options{
		Separator:  "/",
		Type:       "fake",
		WaitTime:   7,
		ExpireTime: 10,
		TimeUnit:   time.Minute,
	}))
	ctx := context.Background()

	g, err := c.Acquire(ctx, Options{Prefix: "orders", Key: "1"}, nil)
	require.NoError(t, err)
	defer g.Release(ctx)

	require.Len(t, fake.locks, 1)
	assert.Equal(t, "orders/1", fake.locks[0].key)
	assert.Equal(t, 10*time.Minute, fake.locks[0].lease)
	assert.Equal(t, time.Duration(0), fake.locks[0].wait, "zero wait is a single attempt")

	_, err = c.Acquire(ctx, Options{Key: "2", WaitTime: 2, ExpireTime: 3}, nil)
	require.NoError(t, err)
	require.Len(t, fake.locks, 2)
	assert.Equal(t, 3*time.Minute, fake.locks[1].lease)
	assert.Equal(t, 2*time.Minute, fake.locks[1].wait)
}

func TestReleaseIsBoundedWhenStoreHangs(t *testing.T) {
	fake := &fakeBackend{lockOK: true, hang: true}
	c := newCoordinator(t, fake, WithReleaseTimeout(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	err := c.Do(ctx, fakeOptions(c), map[string]any{"id": 1}, func(context.Context) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, fake.unlockCount())
}

func TestCoordinatorsOnDifferentNodesExclude(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := syncbus.NewInMemoryBus()
	nodes := []*Coordinator{
		New(newRegistry(t, mr, bus, &fakeBackend{}), WithLogger(quiet())),
		New(newRegistry(t, mr, bus, &fakeBackend{}), WithLogger(quiet())),
	}

	counter := 0
	g, ctx := errgroup.WithContext(context.Background())
	for i := range 20 {
		c := nodes[i%2]
		opts := c.Options()
		opts.Key = "counter"
		opts.WaitTime = -1
		g.Go(func() error {
			return c.Do(ctx, opts, nil, func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 20, counter)
	assert.False(t, mr.Exists("counter"), "lock key left behind")
}
