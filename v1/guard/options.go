package guard

import (
	"fmt"
	"time"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/lock"
)

// DefaultSeparator joins prefix, body and suffix.
const DefaultSeparator = ":"

// Options describe one guarded call.
type Options struct {
	// Key is the key body: a literal, a "#name" expression or a template.
	Key    string
	Prefix string
	Suffix string
	// Separator joins the non-blank key parts. Empty means DefaultSeparator.
	Separator string
	// Type names the lock backend. Empty selects the coordinator default.
	Type string
	// WaitTime is how long to poll for the lock, in TimeUnit. Zero makes a
	// single attempt; negative waits until the context ends.
	WaitTime int64
	// ExpireTime is the lease, in TimeUnit. Zero takes the coordinator's
	// default lease.
	ExpireTime int64
	// TimeUnit scales WaitTime and ExpireTime. Zero takes the coordinator
	// default, then time.Second.
	TimeUnit time.Duration
	// Optimistic is reserved.
	Optimistic bool
}

// DefaultOptions returns wait 5, expire 30, in seconds, joined by ":".
func DefaultOptions() Options {
	return Options{
		Separator:  DefaultSeparator,
		WaitTime:   5,
		ExpireTime: 30,
		TimeUnit:   time.Second,
	}
}

func (o Options) unit() time.Duration {
	if o.TimeUnit == 0 {
		return time.Second
	}
	return o.TimeUnit
}

// Wait returns the polling budget, lock.WaitForever when unbounded.
func (o Options) Wait() time.Duration {
	if o.WaitTime < 0 {
		return lock.WaitForever
	}
	return time.Duration(o.WaitTime) * o.unit()
}

// Lease returns the lock lease.
func (o Options) Lease() time.Duration {
	return time.Duration(o.ExpireTime) * o.unit()
}

func (o Options) validate() error {
	if o.TimeUnit < 0 {
		return fmt.Errorf("%w: negative time unit %s", rockerrors.ErrConfiguration, o.TimeUnit)
	}
	if o.ExpireTime < 0 {
		return fmt.Errorf("%w: negative expire time %d", rockerrors.ErrConfiguration, o.ExpireTime)
	}
	return nil
}
