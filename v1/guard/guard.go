package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/extension"
	"github.com/mirkobrombin/go-rock/v1/lock"
	"github.com/mirkobrombin/go-rock/v1/metrics"
)

// ErrNotAcquired is returned when the lock was still held by someone else
// after the wait budget.
var ErrNotAcquired = rockerrors.ErrNotAcquired

// DefaultReleaseTimeout bounds every unlock issued by a guard, including the
// cleanup after a failed acquire.
const DefaultReleaseTimeout = 5 * time.Second

// State is the lifecycle position of a Guard.
type State int32

const (
	Idle State = iota
	Acquiring
	Held
	Releasing
	Released
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Releasing:
		return "releasing"
	case Released:
		return "released"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Guard is a held lock. Release it exactly once, typically deferred.
type Guard struct {
	backend lock.Backend
	key     string
	owner   string
	logger  *slog.Logger
	timeout time.Duration
	state   atomic.Int32
}

// Key returns the lock key.
func (g *Guard) Key() string { return g.key }

// Owner returns the owner token.
func (g *Guard) Owner() string { return g.owner }

// State returns the current state.
func (g *Guard) State() State { return State(g.state.Load()) }

// Release deletes the lock if this guard still owns it and reports whether
// it did. Only a held guard releases; later calls are no-ops. Release runs
// even when ctx is already cancelled, bounded by the release timeout.
func (g *Guard) Release(ctx context.Context) (bool, error) {
	if !g.state.CompareAndSwap(int32(Held), int32(Releasing)) {
		return false, nil
	}
	defer g.state.Store(int32(Released))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()
	ok, err := g.backend.Unlock(ctx, g.key, g.owner)
	if err != nil {
		return false, err
	}
	if !ok {
		g.logger.Warn("guard: lock was no longer held at release", "key", g.key, "owner", g.owner)
	}
	return ok, nil
}

// Coordinator acquires guards from the lock backends of a registry.
type Coordinator struct {
	registry *extension.Registry
	eval     Evaluator
	logger   *slog.Logger
	tokens   func() string
	defaults Options
	timeout  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvaluator sets the key expression evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(c *Coordinator) { c.eval = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTokens sets the owner token generator.
func WithTokens(fn func() string) Option {
	return func(c *Coordinator) { c.tokens = fn }
}

// WithDefaults sets the options returned by Options. Acquire also takes
// Type, Separator, TimeUnit and the lease from them when a call leaves those
// fields zero.
func WithDefaults(o Options) Option {
	return func(c *Coordinator) { c.defaults = o }
}

// WithReleaseTimeout overrides DefaultReleaseTimeout.
func WithReleaseTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a Coordinator resolving backends from r.
func New(r *extension.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: r,
		eval:     NewTemplateEvaluator(nil),
		logger:   slog.Default(),
		tokens:   uuid.NewString,
		defaults: DefaultOptions(),
		timeout:  DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options returns a copy of the coordinator defaults to fill in per call.
func (c *Coordinator) Options() Options {
	return c.defaults
}

// Acquire builds the key, mints an owner token and locks it. It returns
// ErrNotAcquired when the wait budget runs out.
func (c *Coordinator) Acquire(ctx context.Context, opts Options, bindings map[string]any) (*Guard, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts, lease := c.merge(opts)
	key, err := BuildKey(opts, bindings, c.eval)
	if err != nil {
		return nil, err
	}
	backend, err := extension.Get[lock.Backend](c.registry, lock.Capability, opts.Type)
	if err != nil {
		return nil, err
	}

	g := &Guard{backend: backend, key: key, owner: c.tokens(), logger: c.logger, timeout: c.timeout}
	g.state.Store(int32(Acquiring))
	ok, err := backend.Lock(ctx, key, g.owner, lease, opts.Wait())
	if err != nil {
		g.state.Store(int32(TimedOut))
		c.cleanup(ctx, g)
		return nil, err
	}
	if !ok {
		g.state.Store(int32(TimedOut))
		return nil, fmt.Errorf("%w: %q within %s", ErrNotAcquired, key, opts.Wait())
	}
	g.state.Store(int32(Held))
	return g, nil
}

// merge fills zero fields of o from the coordinator defaults and returns the
// lease to request. A zero WaitTime is kept: it means a single attempt.
func (c *Coordinator) merge(o Options) (Options, time.Duration) {
	if o.Type == "" {
		o.Type = c.defaults.Type
	}
	if o.Separator == "" {
		o.Separator = c.defaults.Separator
	}
	if o.TimeUnit == 0 {
		o.TimeUnit = c.defaults.TimeUnit
	}
	if o.ExpireTime == 0 {
		return o, c.defaults.Lease()
	}
	return o, o.Lease()
}

// cleanup releases a lock the store may have granted after the caller gave up.
func (c *Coordinator) cleanup(ctx context.Context, g *Guard) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if ok, err := g.backend.Unlock(ctx, g.key, g.owner); err != nil {
		c.logger.Debug("guard: cleanup after failed acquire", "key", g.key, "error", err)
	} else if ok {
		c.logger.Warn("guard: released lock granted after failed acquire", "key", g.key)
	}
}

// Do runs fn while holding the lock described by opts. The lock is released
// exactly once whether fn returns, fails or panics; panics are re-raised after
// the release. A release error is returned only when fn succeeded.
func (c *Coordinator) Do(ctx context.Context, opts Options, bindings map[string]any, fn func(context.Context) error) (err error) {
	g, err := c.Acquire(ctx, opts, bindings)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			metrics.GuardedCalls.WithLabelValues("not_acquired").Inc()
		} else {
			metrics.GuardedCalls.WithLabelValues("error").Inc()
		}
		return err
	}
	defer func() {
		p := recover()
		_, rerr := g.Release(ctx)
		if rerr != nil {
			if err == nil && p == nil {
				err = rerr
			} else {
				c.logger.Warn("guard: release failed", "key", g.key, "error", rerr)
			}
		}
		if p != nil || err != nil {
			metrics.GuardedCalls.WithLabelValues("error").Inc()
		} else {
			metrics.GuardedCalls.WithLabelValues("ok").Inc()
		}
		if p != nil {
			panic(p)
		}
	}()
	return fn(ctx)
}

// Run is Do for functions returning a value.
func Run[T any](c *Coordinator, ctx context.Context, opts Options, bindings map[string]any, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, opts, bindings, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
