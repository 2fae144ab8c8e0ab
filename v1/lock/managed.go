package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// Manager is a lock client that handles waiting and atomicity itself.
type Manager interface {
	TryLock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) (bool, error)
}

// Managed implements Backend by delegating to a Manager.
type Managed struct {
	m    Manager
	name string
}

// NewManaged returns a Managed backend reported as "managed".
func NewManaged(m Manager) *Managed {
	return &Managed{m: m, name: "managed"}
}

// Name reports the backend label used in metrics.
func (b *Managed) Name() string { return b.name }

// Lock implements Backend.Lock.
func (b *Managed) Lock(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	if err := validate(key, owner, lease); err != nil {
		return false, err
	}
	ok, err := b.m.TryLock(ctx, key, owner, lease, wait)
	if err != nil {
		return false, acquisitionError(key, err)
	}
	return ok, nil
}

// Unlock implements Backend.Unlock.
func (b *Managed) Unlock(ctx context.Context, key, owner string) (bool, error) {
	ok, err := b.m.Unlock(ctx, key, owner)
	if err != nil {
		return false, acquisitionError(key, err)
	}
	return ok, nil
}

func acquisitionError(key string, err error) error {
	if errors.Is(err, rockerrors.ErrLockAcquisition) {
		return err
	}
	return fmt.Errorf("%w: lock %q: %w", rockerrors.ErrLockAcquisition, key, err)
}
