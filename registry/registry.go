package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Kind separates functions the master runs itself from functions minions run.
type Kind string

const (
	// KindRunner functions execute inside the master process.
	KindRunner Kind = "runner"
	// KindModule functions execute on minions.
	KindModule Kind = "module"
)

// Func is the callable behind a registry entry.
type Func func(ctx context.Context, rc *Context, call *Call) (any, error)

// Middleware wraps every Func in the registry.
type Middleware func(next Func) Func

// Param declares one named parameter of a function.
type Param struct {
	Name     string
	Default  any
	Required bool
	// KeywordOnly params are never filled from positional arguments.
	KeywordOnly bool
}

// Entry describes one callable function.
type Entry struct {
	Name string
	Kind Kind
	Doc  string

	Params    []Param
	VarArgs   bool // accepts extra positional arguments
	VarKwargs bool // accepts keyword arguments beyond Params

	Fn Func

	// Available gates registration. Nil means always available.
	Available func() bool
}

// ParamNames returns the declared parameter names in order.
func (e *Entry) ParamNames() []string {
	names := make([]string, len(e.Params))
	for i, p := range e.Params {
		names[i] = p.Name
	}
	return names
}

// Registry is an immutable set of functions keyed by kind and dotted name.
// Lookups are lock free once New returns.
type Registry struct {
	entries map[Kind]map[string]*Entry
	names   map[Kind][]string
	skipped []string
}

type builder struct {
	entries    []Entry
	middleware []Middleware
	logger     *zap.Logger
	errors     []error
}

// Option configures registry construction.
type Option func(*builder)

// WithEntry registers a single function.
func WithEntry(e Entry) Option {
	return func(b *builder) {
		b.entries = append(b.entries, e)
	}
}

// WithEntries registers several functions.
func WithEntries(entries ...Entry) Option {
	return func(b *builder) {
		b.entries = append(b.entries, entries...)
	}
}

// WithMiddleware wraps every function. First added wraps outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *builder) {
		b.middleware = append(b.middleware, mw...)
	}
}

// WithLogger sets the logger used while building.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

// New builds a registry. Entries whose Available check fails are skipped
// and reported by Skipped. Duplicate names within a kind are an error.
func New(opts ...Option) (*Registry, error) {
	b := &builder{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	r := &Registry{
		entries: map[Kind]map[string]*Entry{
			KindRunner: {},
			KindModule: {},
		},
		names: map[Kind][]string{},
	}

	for i := range b.entries {
		e := b.entries[i]
		if err := validateEntry(&e); err != nil {
			return nil, err
		}
		ns := r.entries[e.Kind]
		if _, dup := ns[e.Name]; dup {
			return nil, fmt.Errorf("duplicate %s function %q", e.Kind, e.Name)
		}
		if e.Available != nil && !e.Available() {
			b.logger.Debug("function not available, skipping",
				zap.String("kind", string(e.Kind)),
				zap.String("function", e.Name))
			r.skipped = append(r.skipped, string(e.Kind)+":"+e.Name)
			continue
		}
		for j := len(b.middleware) - 1; j >= 0; j-- {
			e.Fn = b.middleware[j](e.Fn)
		}
		ns[e.Name] = &e
	}

	for kind, ns := range r.entries {
		names := make([]string, 0, len(ns))
		for name := range ns {
			names = append(names, name)
		}
		sort.Strings(names)
		r.names[kind] = names
	}
	sort.Strings(r.skipped)

	return r, nil
}

func validateEntry(e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("function name cannot be empty")
	}
	if e.Kind != KindRunner && e.Kind != KindModule {
		return fmt.Errorf("function %q has unknown kind %q", e.Name, e.Kind)
	}
	if e.Fn == nil {
		return fmt.Errorf("function %q has no implementation", e.Name)
	}
	seen := make(map[string]struct{}, len(e.Params))
	for _, p := range e.Params {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("function %q declares parameter %q twice", e.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Lookup resolves a function by kind and dotted name.
func (r *Registry) Lookup(kind Kind, name string) (*Entry, bool) {
	e, ok := r.entries[kind][name]
	return e, ok
}

// Has reports whether kind has a function called name.
func (r *Registry) Has(kind Kind, name string) bool {
	_, ok := r.entries[kind][name]
	return ok
}

// IsRunner reports whether name lives in the runner namespace.
func (r *Registry) IsRunner(name string) bool {
	return r.Has(KindRunner, name)
}

// DeclaredParameters returns the parameter names of a function, or nil.
func (r *Registry) DeclaredParameters(kind Kind, name string) []string {
	e, ok := r.Lookup(kind, name)
	if !ok {
		return nil
	}
	return e.ParamNames()
}

// Names returns the sorted function names of a kind.
func (r *Registry) Names(kind Kind) []string {
	out := make([]string, len(r.names[kind]))
	copy(out, r.names[kind])
	return out
}

// Skipped lists "kind:name" of entries dropped by their availability check.
func (r *Registry) Skipped() []string {
	out := make([]string, len(r.skipped))
	copy(out, r.skipped)
	return out
}

// Invoke binds args and kwargs to the function and calls it.
func (r *Registry) Invoke(ctx context.Context, kind Kind, name string, rc *Context, args []any, kwargs map[string]any) (any, error) {
	e, ok := r.Lookup(kind, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	call, err := Bind(e, args, kwargs)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		rc = NewContext(name)
	}
	if len(call.Dropped) > 0 {
		rc.Logger().Debug("ignoring unexpected keyword arguments",
			zap.String("function", name),
			zap.Strings("dropped", call.Dropped))
	}
	return e.Fn(ctx, rc, call)
}

// RecoverMiddleware turns panics inside a function into errors.
func RecoverMiddleware() Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, rc *Context, call *Call) (result any, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("function panicked: %v", p)
				}
			}()
			return next(ctx, rc, call)
		}
	}
}
