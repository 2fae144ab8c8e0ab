package lock

import (
	"context"
	"fmt"
	"time"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// poll calls try until it succeeds, wait has elapsed or ctx ends. The last
// sleep is shortened so the final attempt lands on the deadline.
func poll(ctx context.Context, wait, backoff time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	for {
		ok, err := try(ctx)
		if err != nil {
			return false, fmt.Errorf("%w: %w", rockerrors.ErrLockAcquisition, err)
		}
		if ok {
			return true, nil
		}
		sleep := backoff
		if wait >= 0 {
			remaining := wait - time.Since(start)
			if remaining <= 0 {
				return false, nil
			}
			sleep = min(sleep, remaining)
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, fmt.Errorf("%w: %w", rockerrors.ErrLockAcquisition, ctx.Err())
		case <-t.C:
		}
	}
}
