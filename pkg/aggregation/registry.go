package aggregation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sandboxws/tributary/pkg/pagedstore"
)

var (
	// ErrUnknownKind is returned by Build for kinds that were never registered.
	ErrUnknownKind = errors.New("aggregation: unknown aggregate kind")

	// ErrArity is returned by Build when a spec names the wrong number of fields.
	ErrArity = errors.New("aggregation: wrong number of input fields")
)

// Factory constructs a Function from a validated spec.
type Factory func(spec Spec) (Function, error)

// Registration describes one buildable aggregate kind. A kind is only
// registered if it can actually be built; there is no placeholder entry that
// fails at call time.
type Registration struct {
	Name      string
	MinFields int
	MaxFields int
	Factory   Factory
}

// Registry maps aggregate kinds to factories. It is owned by the process
// (or a test), not a package global.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Env carries the shared resources built-in factories need.
type Env struct {
	Pages *pagedstore.PageAllocator
}

// NewDefaultRegistry returns a registry holding every built-in kind.
func NewDefaultRegistry(env Env) (*Registry, error) {
	r := NewRegistry()
	regs := []Registration{
		{Name: KindCount, MinFields: 0, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newCount(s), nil }},
		{Name: KindSum, MinFields: 1, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newSum(s), nil }},
		{Name: KindMin, MinFields: 1, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newExtreme(KindMin, s), nil }},
		{Name: KindMax, MinFields: 1, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newExtreme(KindMax, s), nil }},
		{Name: KindAvg, MinFields: 1, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newAvg(s), nil }},
		{Name: KindVar, MinFields: 1, MaxFields: 1, Factory: func(s Spec) (Function, error) { return newVar(s), nil }},
	}
	if env.Pages != nil {
		regs = append(regs, Registration{
			Name: KindTemporalSequence, MinFields: 3, MaxFields: 3,
			Factory: func(s Spec) (Function, error) { return newTemporalSequence(s, env.Pages), nil },
		})
	}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a kind. Duplicate names, nil factories and inverted arity
// bounds are rejected.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.New("aggregation: registration without a name")
	}
	if reg.Factory == nil {
		return fmt.Errorf("aggregation: kind %q has no factory", reg.Name)
	}
	if reg.MinFields < 0 || reg.MaxFields < reg.MinFields {
		return fmt.Errorf("aggregation: kind %q has invalid arity [%d, %d]", reg.Name, reg.MinFields, reg.MaxFields)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[reg.Name]; ok {
		return fmt.Errorf("aggregation: kind %q already registered", reg.Name)
	}
	r.entries[reg.Name] = reg
	return nil
}

// Build constructs the function described by spec.
func (r *Registry) Build(spec Spec) (Function, error) {
	r.mu.RLock()
	reg, ok := r.entries[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if n := len(spec.Fields); n < reg.MinFields || n > reg.MaxFields {
		return nil, fmt.Errorf("%w: %s takes %d..%d fields, got %d", ErrArity, spec.Kind, reg.MinFields, reg.MaxFields, n)
	}
	fn, err := reg.Factory(spec)
	if err != nil {
		return nil, fmt.Errorf("aggregation: build %s: %w", spec.Kind, err)
	}
	return fn, nil
}

// Kinds returns the registered kind names in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
