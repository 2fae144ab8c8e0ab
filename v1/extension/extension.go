package extension

import (
	"fmt"
	"reflect"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// Kind tells whether an implementation is a named backend or a decorator.
type Kind int

const (
	// KindBackend implementations are bound to names by manifest lines.
	KindBackend Kind = iota
	// KindDecorator implementations wrap every backend of their capability.
	KindDecorator
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindDecorator:
		return "decorator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Implementation is a catalog entry referenced by manifest lines through its ID.
type Implementation struct {
	ID   string
	Kind Kind

	contract reflect.Type
	newFn    func() (any, error)
	wrapFn   func(any) (any, error)
}

// Backend returns a backend implementation of contract T built by fn.
func Backend[T any](id string, fn func() (T, error)) Implementation {
	return Implementation{
		ID:       id,
		Kind:     KindBackend,
		contract: reflect.TypeFor[T](),
		newFn: func() (any, error) {
			return fn()
		},
	}
}

// Decorator returns a decorator of contract T. fn receives the instance to
// wrap and must forward every call to it.
func Decorator[T any](id string, fn func(T) (T, error)) Implementation {
	contract := reflect.TypeFor[T]()
	return Implementation{
		ID:       id,
		Kind:     KindDecorator,
		contract: contract,
		wrapFn: func(inner any) (any, error) {
			t, ok := inner.(T)
			if !ok {
				return nil, fmt.Errorf("%T does not implement %s", inner, contract)
			}
			return fn(t)
		},
	}
}

type capability struct {
	id          string
	contract    reflect.Type
	defaultName string
}

// Declare declares capability id with contract T. defaultName is the name
// used when a lookup does not specify one; it may be empty. Declaring the
// same id again with the same contract and default is a no-op.
func Declare[T any](r *Registry, id, defaultName string) error {
	if id == "" {
		return fmt.Errorf("%w: empty capability id", rockerrors.ErrConfiguration)
	}
	c := capability{id: id, contract: reflect.TypeFor[T](), defaultName: defaultName}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.capabilities[id]; ok {
		if prev != c {
			return fmt.Errorf("%w: capability %s already declared with contract %s and default %q",
				rockerrors.ErrConfiguration, id, prev.contract, prev.defaultName)
		}
		return nil
	}
	r.capabilities[id] = c
	return nil
}
