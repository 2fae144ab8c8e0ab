package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

const (
	// DirectBackoff is the default polling interval of Direct.
	DirectBackoff = 100 * time.Millisecond
	// ScriptedBackoff is the default polling interval of Scripted.
	ScriptedBackoff = 50 * time.Millisecond
)

// releaseSource deletes KEYS[1] only while it still holds ARGV[1].
const releaseSource = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

var releaseScript = redis.NewScript(releaseSource)

// Option configures a Redis backend.
type Option func(*redisOptions)

type redisOptions struct {
	backoff time.Duration
}

// WithBackoff sets the interval between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *redisOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

func applyOptions(backoff time.Duration, opts []Option) redisOptions {
	o := redisOptions{backoff: backoff}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Direct implements Backend with plain Redis commands: SET NX with a
// millisecond expiry to acquire and an EVAL compare-and-delete to release.
type Direct struct {
	client  redis.UniversalClient
	backoff time.Duration
}

// NewDirect returns a Direct backend using the provided client.
func NewDirect(client redis.UniversalClient, opts ...Option) *Direct {
	o := applyOptions(DirectBackoff, opts)
	return &Direct{client: client, backoff: o.backoff}
}

// Name reports the backend label used in metrics.
func (d *Direct) Name() string { return "direct" }

// Lock implements Backend.Lock.
func (d *Direct) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	if err := validate(key, owner, lease); err != nil {
		return false, err
	}
	return poll(ctx, wait, d.backoff, func(ctx context.Context) (bool, error) {
		err := d.client.SetArgs(ctx, key, owner, redis.SetArgs{Mode: "NX", TTL: lease}).Err()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return err == nil, err
	})
}

// Unlock implements Backend.Unlock.
func (d *Direct) Unlock(ctx context.Context, key, owner string) (bool, error) {
	n, err := d.client.Eval(ctx, releaseSource, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("%w: release %q: %w", rockerrors.ErrLockAcquisition, key, err)
	}
	return n == 1, nil
}

// Scripted implements Backend with SETNX and a cached release script run
// through EVALSHA.
type Scripted struct {
	client  redis.UniversalClient
	backoff time.Duration
}

// NewScripted returns a Scripted backend using the provided client.
func NewScripted(client redis.UniversalClient, opts ...Option) *Scripted {
	o := applyOptions(ScriptedBackoff, opts)
	return &Scripted{client: client, backoff: o.backoff}
}

// Name reports the backend label used in metrics.
func (s *Scripted) Name() string { return "scripted" }

// Lock implements Backend.Lock.
func (s *Scripted) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	if err := validate(key, owner, lease); err != nil {
		return false, err
	}
	return poll(ctx, wait, s.backoff, func(ctx context.Context) (bool, error) {
		return s.client.SetNX(ctx, key, owner, lease).Result()
	})
}

// Unlock implements Backend.Unlock.
func (s *Scripted) Unlock(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("%w: release %q: %w", rockerrors.ErrLockAcquisition, key, err)
	}
	return n == 1, nil
}
