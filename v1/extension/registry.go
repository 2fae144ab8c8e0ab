package extension

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sync"

	"golang.org/x/sync/singleflight"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
	"github.com/mirkobrombin/go-rock/v1/metrics"
)

// DefaultDir is the directory searched for manifests inside every source.
const DefaultDir = "extensions"

// defaultSentinel selects the default name, like an empty name does.
const defaultSentinel = "true"

// Registry owns declared capabilities, the implementation catalog, the
// discovered descriptors and the singleton instances. It is safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger
	dir    string

	mu           sync.RWMutex
	sources      []fs.FS
	capabilities map[string]capability
	catalog      map[string]Implementation

	descriptors sync.Map // capability id -> *Descriptor
	discovery   singleflight.Group
	instances   sync.Map // implementation id -> *holder
}

// Option configures a Registry.
type Option func(*Registry)

// WithSource adds a manifest source.
func WithSource(fsys fs.FS) Option {
	return func(r *Registry) {
		r.sources = append(r.sources, fsys)
	}
}

// WithDir sets the manifest directory inside each source. The default is DefaultDir.
func WithDir(dir string) Option {
	return func(r *Registry) {
		r.dir = dir
	}
}

// WithLogger sets the logger used for discovery and instantiation messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:       slog.Default(),
		dir:          DefaultDir,
		capabilities: make(map[string]capability),
		catalog:      make(map[string]Implementation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSource appends a manifest source. Capabilities already resolved keep
// the descriptor they were discovered with.
func (r *Registry) AddSource(fsys fs.FS) {
	r.mu.Lock()
	r.sources = append(r.sources, fsys)
	r.mu.Unlock()
}

// Register adds implementations to the catalog. Registering an ID again
// with a different kind or contract fails with ErrConfiguration.
func (r *Registry) Register(impls ...Implementation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, impl := range impls {
		if impl.ID == "" {
			return fmt.Errorf("%w: implementation without id", rockerrors.ErrConfiguration)
		}
		if prev, ok := r.catalog[impl.ID]; ok && (prev.Kind != impl.Kind || prev.contract != impl.contract) {
			return fmt.Errorf("%w: implementation %s registered twice as %s of %s and %s of %s",
				rockerrors.ErrConfiguration, impl.ID, prev.Kind, prev.contract, impl.Kind, impl.contract)
		}
		r.catalog[impl.ID] = impl
	}
	return nil
}

func (r *Registry) lookup(id string) (Implementation, bool) {
	r.mu.RLock()
	impl, ok := r.catalog[id]
	r.mu.RUnlock()
	return impl, ok
}

// Resolve returns the descriptor of capability id, discovering it on first
// use. Concurrent callers share a single discovery pass.
func (r *Registry) Resolve(id string) (*Descriptor, error) {
	r.mu.RLock()
	c, ok := r.capabilities[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a declared capability", rockerrors.ErrConfiguration, id)
	}
	if d, ok := r.descriptors.Load(id); ok {
		return d.(*Descriptor), nil
	}
	v, err, _ := r.discovery.Do(id, func() (any, error) {
		if d, ok := r.descriptors.Load(id); ok {
			return d, nil
		}
		d, err := r.discover(c)
		if err != nil {
			return nil, err
		}
		r.descriptors.Store(id, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

func (r *Registry) discover(c capability) (*Descriptor, error) {
	d := newDescriptor(c)
	switch names := splitNames(c.defaultName); {
	case len(names) > 1:
		return nil, fmt.Errorf("%w: more than one default name on capability %s: %v",
			rockerrors.ErrConfiguration, c.id, names)
	case len(names) == 1:
		d.defaultName = names[0]
	}

	r.mu.RLock()
	sources := append([]fs.FS(nil), r.sources...)
	r.mu.RUnlock()

	name := path.Join(r.dir, c.id)
	for i, fsys := range sources {
		f, err := fsys.Open(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			r.logger.Error("extension: manifest could not be opened", "capability", c.id, "source", i, "error", err)
			continue
		}
		err = r.load(d, f, fmt.Sprintf("%s#%d", name, i))
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	metrics.Discoveries.WithLabelValues(c.id).Inc()
	r.logger.Debug("extension: capability discovered",
		"capability", c.id, "default", d.defaultName, "names", d.Names(), "decorators", d.Decorators())
	return d, nil
}

func (r *Registry) load(d *Descriptor, rd io.Reader, source string) error {
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		e, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		impl, found := r.lookup(e.id)
		if !found {
			r.logger.Warn("extension: implementation could not be resolved",
				"capability", d.capability, "source", source, "line", line, "id", e.id)
			continue
		}
		if impl.contract != d.contract {
			return fmt.Errorf("%w: %s (%s line %d) implements %s, not %s",
				rockerrors.ErrConfiguration, impl.ID, source, line, impl.contract, d.contract)
		}
		if impl.Kind == KindDecorator {
			d.addDecorator(impl)
			continue
		}
		if len(e.names) == 0 {
			return fmt.Errorf("%w: no name for backend %s in %s line %d",
				rockerrors.ErrConfiguration, impl.ID, source, line)
		}
		for _, n := range e.names {
			if err := d.bind(n, impl); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %w", rockerrors.ErrConfiguration, source, err)
	}
	return nil
}

// Get returns the instance bound to name for capability. An empty name or
// "true" selects the capability's default.
func Get[T any](r *Registry, capability, name string) (T, error) {
	var zero T
	d, err := r.Resolve(capability)
	if err != nil {
		return zero, err
	}
	v, err := r.instance(d, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: backend %q of %s is a %T, not a %T",
			rockerrors.ErrInstantiation, name, capability, v, zero)
	}
	return t, nil
}

func (r *Registry) instance(d *Descriptor, name string) (any, error) {
	if name == "" || name == defaultSentinel {
		if d.defaultName == "" || d.defaultName == defaultSentinel {
			return nil, fmt.Errorf("%w: capability %s has no default backend", rockerrors.ErrResolution, d.capability)
		}
		name = d.defaultName
	}
	impl, ok := d.impls[name]
	if !ok {
		return nil, fmt.Errorf("%w: no backend named %q for %s", rockerrors.ErrResolution, name, d.capability)
	}
	return holderFor(&d.holders, name).get(func() (any, error) {
		v, err := r.create(d, name, impl)
		if err != nil {
			r.logger.Error("extension: instantiation failed",
				"capability", d.capability, "name", name, "id", impl.ID, "error", err)
			return nil, fmt.Errorf("%w: backend %q (%s) of %s: %w",
				rockerrors.ErrInstantiation, name, impl.ID, d.capability, err)
		}
		return v, nil
	})
}

func (r *Registry) create(d *Descriptor, name string, impl Implementation) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	v, err = holderFor(&r.instances, impl.ID).get(impl.newFn)
	if err != nil {
		return nil, err
	}
	for _, dec := range d.decorators {
		if v, err = dec.wrapFn(v); err != nil {
			return nil, fmt.Errorf("decorator %s: %w", dec.ID, err)
		}
	}
	metrics.Instantiations.WithLabelValues(d.capability, name).Inc()
	return v, nil
}
