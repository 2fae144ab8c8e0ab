package extension

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// Descriptor is the discovered state of one capability. Its bindings are
// fixed once discovery completes.
type Descriptor struct {
	capability  string
	contract    reflect.Type
	defaultName string

	impls      map[string]Implementation // name -> implementation
	names      map[string]string         // implementation id -> first name
	decorators []Implementation

	holders sync.Map // name -> *holder
}

func newDescriptor(c capability) *Descriptor {
	return &Descriptor{
		capability: c.id,
		contract:   c.contract,
		impls:      make(map[string]Implementation),
		names:      make(map[string]string),
	}
}

func (d *Descriptor) bind(name string, impl Implementation) error {
	if prev, ok := d.impls[name]; ok {
		if prev.ID != impl.ID {
			return fmt.Errorf("%w: duplicate %s name %q on %s and %s",
				rockerrors.ErrConfiguration, d.capability, name, prev.ID, impl.ID)
		}
		return nil
	}
	d.impls[name] = impl
	if _, ok := d.names[impl.ID]; !ok {
		d.names[impl.ID] = name
	}
	return nil
}

func (d *Descriptor) addDecorator(impl Implementation) {
	for _, dec := range d.decorators {
		if dec.ID == impl.ID {
			return
		}
	}
	d.decorators = append(d.decorators, impl)
}

// Capability returns the capability id.
func (d *Descriptor) Capability() string { return d.capability }

// Default returns the default backend name, or "" when none was declared.
func (d *Descriptor) Default() string { return d.defaultName }

// Names returns the bound backend names, sorted.
func (d *Descriptor) Names() []string {
	names := make([]string, 0, len(d.impls))
	for n := range d.impls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Implementation returns the implementation id bound to name.
func (d *Descriptor) Implementation(name string) (string, bool) {
	impl, ok := d.impls[name]
	return impl.ID, ok
}

// NameOf returns the first name an implementation id was bound to.
func (d *Descriptor) NameOf(id string) (string, bool) {
	n, ok := d.names[id]
	return n, ok
}

// Decorators returns the decorator ids in application order: sources in the
// order they were added, lines in file order, duplicates collapsed to their
// first occurrence. The first decorator wraps the backend directly.
func (d *Descriptor) Decorators() []string {
	ids := make([]string, len(d.decorators))
	for i, dec := range d.decorators {
		ids[i] = dec.ID
	}
	return ids
}
