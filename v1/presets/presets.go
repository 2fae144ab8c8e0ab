// Package presets wires the registry, lock backends, event bus and
// coordinator from a configuration in one call.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-rock/v1/config"
	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/extension"
	"github.com/mirkobrombin/go-rock/v1/guard"
	"github.com/mirkobrombin/go-rock/v1/lock"
	"github.com/mirkobrombin/go-rock/v1/syncbus"
)

// InMemory is the backend name selected by NewInMemoryStandalone.
const InMemory = "inmemory"

const (
	// breakerThreshold and breakerTimeout tune the circuit breaker wrapped
	// around remote buses.
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// Stack is a fully wired lock stack.
type Stack struct {
	Registry    *extension.Registry
	Coordinator *guard.Coordinator
	Manager     *lock.RedisManager
	Local       *lock.InMemoryManager
	Bus         syncbus.Bus
	Redis       redis.UniversalClient

	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tp     trace.TracerProvider
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the provider used by the tracing decorator.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// LockOptions converts the lock section into guard defaults.
func LockOptions(c config.LockConfig) guard.Options {
	o := guard.DefaultOptions()
	o.Type = c.Type
	if c.Separator != "" {
		o.Separator = c.Separator
	}
	o.WaitTime = c.WaitTime
	o.ExpireTime = c.ExpireTime
	if c.TimeUnit > 0 {
		o.TimeUnit = c.TimeUnit
	}
	return o
}

// New builds a Stack from cfg. The managed backend locks in Redis and uses
// the bus to wake waiters on other nodes. Redis clients connect lazily, so a
// stack that only uses the inmemory backend over an in-memory bus needs no
// server.
func New(cfg *config.Config, opts ...Option) (st *Stack, err error) {
	o := options{logger: slog.Default(), tp: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	st = &Stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	if st.Redis, err = cfg.Redis.NewClient(); err != nil {
		return nil, err
	}
	st.closers = append(st.closers, st.Redis.Close)

	if st.Bus, err = st.newBus(cfg, o.logger); err != nil {
		return nil, err
	}

	st.Manager, err = lock.NewRedisManager(st.Redis, lock.WithBus(st.Bus),
		lock.WithNodeID(cfg.Bus.NodeID), lock.WithManagerLogger(o.logger))
	if err != nil {
		return nil, err
	}
	// Managers close before their bus.
	st.closers = append(st.closers, st.Manager.Close)
	st.Local = lock.NewInMemoryManager()
	st.closers = append(st.closers, st.Local.Close)

	ropts := []extension.Option{extension.WithLogger(o.logger)}
	for _, dir := range cfg.Extensions.Dirs {
		ropts = append(ropts, extension.WithSource(os.DirFS(dir)))
	}
	st.Registry = extension.New(ropts...)
	if err = lock.Register(st.Registry, lock.Dependencies{
		Redis:          st.Redis,
		Manager:        st.Manager,
		Local:          st.Local,
		Logger:         o.logger,
		TracerProvider: o.tp,
	}); err != nil {
		return nil, err
	}
	if _, err = st.Registry.Resolve(lock.Capability); err != nil {
		return nil, err
	}

	st.Coordinator = guard.New(st.Registry,
		guard.WithLogger(o.logger),
		guard.WithDefaults(LockOptions(cfg.Lock)))
	return st, nil
}

func (st *Stack) newBus(cfg *config.Config, logger *slog.Logger) (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch cfg.Bus.Kind {
	case "", "memory":
		b := syncbus.NewInMemoryBus()
		st.closers = append(st.closers, b.Close)
		return b, nil
	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		st.closers = append(st.closers, func() error { conn.Close(); return nil })
		bus = syncbus.NewNATSBus(conn, cfg.Bus.Topic)
	case "redis":
		bus = syncbus.NewRedisBus(st.Redis, cfg.Bus.Topic)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.Bus.Brokers, cfg.Bus.Topic, sarama.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("connect kafka %v: %w", cfg.Bus.Brokers, err)
		}
		st.closers = append(st.closers, kb.Close)
		bus = kb
	default:
		return nil, fmt.Errorf("%w: unknown bus kind %q", rockerrors.ErrConfiguration, cfg.Bus.Kind)
	}
	logger.Debug("presets: event bus ready", "kind", cfg.Bus.Kind)
	return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout), nil
}

// NewInMemoryStandalone returns a single-process stack with no external
// dependencies. Guarded calls default to the inmemory backend, which only
// excludes callers within this process.
func NewInMemoryStandalone(opts ...Option) (*Stack, error) {
	cfg := config.Default()
	cfg.Lock.Type = InMemory
	return New(cfg, opts...)
}

// Close releases everything New opened, newest first.
func (st *Stack) Close() error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}

// Do runs fn under the lock described by opts using the stack coordinator.
func (st *Stack) Do(ctx context.Context, opts guard.Options, bindings map[string]any, fn func(context.Context) error) error {
	return st.Coordinator.Do(ctx, opts, bindings, fn)
}
