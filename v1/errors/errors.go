// Package errors holds the sentinel errors shared by the registry, the lock
// backends and the guard coordinator. Call sites wrap them with fmt.Errorf
// and callers match them with errors.Is.
package errors

import "errors"

var (
	// ErrConfiguration reports a malformed, duplicate or missing capability
	// or backend declaration. It aborts the capability's setup.
	ErrConfiguration = errors.New("rock: configuration error")
	// ErrResolution is returned when the requested backend name is unknown.
	ErrResolution = errors.New("rock: backend not found")
	// ErrInstantiation wraps a failing backend or decorator factory.
	ErrInstantiation = errors.New("rock: instantiation failed")
	// ErrLockAcquisition reports a cancellation or a store failure while
	// acquiring or releasing a lock.
	ErrLockAcquisition = errors.New("rock: lock acquisition failed")
	// ErrNotAcquired is returned by guarded calls when the lock could not be
	// obtained within the wait budget.
	ErrNotAcquired = errors.New("rock: lock not acquired")
	// ErrClosed is returned by buses and managers after Close.
	ErrClosed = errors.New("rock: closed")
)
