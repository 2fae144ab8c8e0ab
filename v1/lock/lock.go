package lock

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/extension"
)

// Backend acquires and releases owner-checked locks.
//
// Lock reports false when the key is still held by someone else after wait
// has elapsed. A negative wait polls until the lock is acquired or ctx ends.
// Cancellation and store failures are reported as ErrLockAcquisition.
//
// Unlock deletes the key only if it is held by owner and reports whether it
// did. A foreign or expired owner yields false without error.
type Backend interface {
	Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) (bool, error)
}

// WaitForever makes Lock poll until it succeeds or its context ends.
const WaitForever time.Duration = -1

const (
	// Capability is the extension capability id of Backend.
	Capability = "rock.lock.Backend"
	// DefaultBackend is the backend name used when none is requested.
	DefaultBackend = "redisson"
)

// Implementation ids referenced by the manifest.
const (
	DirectID        = "rock.lock.Direct"
	ScriptedID      = "rock.lock.Scripted"
	ManagedID       = "rock.lock.Managed"
	InMemoryID      = "rock.lock.InMemory"
	UnimplementedID = "rock.lock.Unimplemented"
	LoggingID       = "rock.lock.Logging"
	MetricsID       = "rock.lock.Metrics"
	TracingID       = "rock.lock.Tracing"
)

// Manifest holds the built-in backend manifest under extensions/.
//
//go:embed extensions
var Manifest embed.FS

// Dependencies are the clients handed to backend factories. Backends whose
// dependency is missing fail when first instantiated.
type Dependencies struct {
	Redis redis.UniversalClient
	// Manager backs the managed backend. When nil, a RedisManager without
	// a bus is built on Redis.
	Manager Manager
	// Local backs the in-memory backend. When nil, a private
	// InMemoryManager is created.
	Local          Manager
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Register declares the Backend capability on r, adds the built-in manifest
// as a source and registers every backend and decorator.
func Register(r *extension.Registry, deps Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if err := extension.Declare[Backend](r, Capability, DefaultBackend); err != nil {
		return err
	}
	r.AddSource(Manifest)
	return r.Register(
		extension.Backend[Backend](DirectID, func() (Backend, error) {
			if deps.Redis == nil {
				return nil, fmt.Errorf("direct backend: redis client not configured")
			}
			return NewDirect(deps.Redis), nil
		}),
		extension.Backend[Backend](ScriptedID, func() (Backend, error) {
			if deps.Redis == nil {
				return nil, fmt.Errorf("scripted backend: redis client not configured")
			}
			return NewScripted(deps.Redis), nil
		}),
		extension.Backend[Backend](ManagedID, func() (Backend, error) {
			if deps.Manager != nil {
				return NewManaged(deps.Manager), nil
			}
			if deps.Redis == nil {
				return nil, fmt.Errorf("managed backend: neither lock manager nor redis client configured")
			}
			m, err := NewRedisManager(deps.Redis, WithManagerLogger(logger))
			if err != nil {
				return nil, err
			}
			return NewManaged(m), nil
		}),
		extension.Backend[Backend](InMemoryID, func() (Backend, error) {
			local := deps.Local
			if local == nil {
				local = NewInMemoryManager()
			}
			return &Managed{m: local, name: "inmemory"}, nil
		}),
		extension.Backend[Backend](UnimplementedID, func() (Backend, error) {
			return NewUnimplemented(logger), nil
		}),
		extension.Decorator[Backend](LoggingID, func(b Backend) (Backend, error) {
			return NewLogging(b, logger), nil
		}),
		extension.Decorator[Backend](MetricsID, func(b Backend) (Backend, error) {
			return NewMetrics(b), nil
		}),
		extension.Decorator[Backend](TracingID, func(b Backend) (Backend, error) {
			return NewTracing(b, tp), nil
		}),
	)
}

func validate(key, owner string, lease time.Duration) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: blank lock key", rockerrors.ErrConfiguration)
	case owner == "":
		return fmt.Errorf("%w: blank owner for lock %q", rockerrors.ErrConfiguration, key)
	case lease <= 0:
		return fmt.Errorf("%w: non-positive lease %s for lock %q", rockerrors.ErrConfiguration, lease, key)
	}
	return nil
}
