package lock

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-rock/v1/metrics"
)

// nameOf returns the label of b, or "unknown" for backends that report none.
func nameOf(b Backend) string {
	if n, ok := b.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}

// Logging logs every lock and unlock call of the wrapped backend.
type Logging struct {
	next   Backend
	logger *slog.Logger
}

// NewLogging wraps next with call logging.
func NewLogging(next Backend, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{next: next, logger: logger}
}

// Name reports the wrapped backend's label.
func (l *Logging) Name() string { return nameOf(l.next) }

// Lock implements Backend.Lock.
func (l *Logging) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	start := time.Now()
	ok, err := l.next.Lock(ctx, key, owner, lease, wait)
	if err != nil {
		l.logger.Warn("lock: acquire failed", "key", key, "owner", owner, "error", err)
		return ok, err
	}
	l.logger.Debug("lock: acquire", "key", key, "owner", owner, "acquired", ok,
		"lease", lease, "wait", wait, "elapsed", time.Since(start))
	return ok, nil
}

// Unlock implements Backend.Unlock.
func (l *Logging) Unlock(ctx context.Context, key, owner string) (bool, error) {
	ok, err := l.next.Unlock(ctx, key, owner)
	if err != nil {
		l.logger.Warn("lock: release failed", "key", key, "owner", owner, "error", err)
		return ok, err
	}
	l.logger.Debug("lock: release", "key", key, "owner", owner, "released", ok)
	return ok, nil
}

// Metrics records lock attempts, wait time and unlock results, labelled
// with the wrapped backend's name.
type Metrics struct {
	next    Backend
	backend string
}

// NewMetrics wraps next with Prometheus instrumentation.
func NewMetrics(next Backend) *Metrics {
	return &Metrics{next: next, backend: nameOf(next)}
}

// Name reports the wrapped backend's label.
func (m *Metrics) Name() string { return m.backend }

// Lock implements Backend.Lock.
func (m *Metrics) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	start := time.Now()
	ok, err := m.next.Lock(ctx, key, owner, lease, wait)
	metrics.LockWait.WithLabelValues(m.backend).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.LockAttempts.WithLabelValues(m.backend, "error").Inc()
	case ok:
		metrics.LockAttempts.WithLabelValues(m.backend, "acquired").Inc()
	default:
		metrics.LockAttempts.WithLabelValues(m.backend, "timeout").Inc()
	}
	return ok, err
}

// Unlock implements Backend.Unlock.
func (m *Metrics) Unlock(ctx context.Context, key, owner string) (bool, error) {
	ok, err := m.next.Unlock(ctx, key, owner)
	switch {
	case err != nil:
		metrics.Unlocks.WithLabelValues(m.backend, "error").Inc()
	case ok:
		metrics.Unlocks.WithLabelValues(m.backend, "released").Inc()
	default:
		metrics.Unlocks.WithLabelValues(m.backend, "not_owner").Inc()
	}
	return ok, err
}

// Tracing starts a span around every call of the wrapped backend.
type Tracing struct {
	next   Backend
	tracer trace.Tracer
}

// NewTracing wraps next with spans from tp.
func NewTracing(next Backend, tp trace.TracerProvider) *Tracing {
	return &Tracing{next: next, tracer: tp.Tracer("github.com/mirkobrombin/go-rock/v1/lock")}
}

// Name reports the wrapped backend's label.
func (t *Tracing) Name() string { return nameOf(t.next) }

// Lock implements Backend.Lock.
func (t *Tracing) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.lease_ms", lease.Milliseconds()),
		attribute.Int64("lock.wait_ms", wait.Milliseconds()),
	))
	defer span.End()
	ok, err := t.next.Lock(ctx, key, owner, lease, wait)
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

// Unlock implements Backend.Unlock.
func (t *Tracing) Unlock(ctx context.Context, key, owner string) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "Lock.Release", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()
	ok, err := t.next.Unlock(ctx, key, owner)
	span.SetAttributes(attribute.Bool("lock.released", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}
