package lock

import (
	"context"
	"log/slog"
	"time"
)

// Unimplemented stands in for backends that are not available yet. It never
// acquires and never releases.
type Unimplemented struct {
	logger *slog.Logger
}

// NewUnimplemented returns an Unimplemented backend.
func NewUnimplemented(logger *slog.Logger) *Unimplemented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unimplemented{logger: logger}
}

// Name reports the backend label used in metrics.
func (u *Unimplemented) Name() string { return "unimplemented" }

// Lock always reports false.
func (u *Unimplemented) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	u.logger.Warn("lock: backend not implemented", "key", key)
	return false, nil
}

// Unlock always reports false.
func (u *Unimplemented) Unlock(ctx context.Context, key, owner string) (bool, error) {
	return false, nil
}
