package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps function names to host functions, and remembers the
// positional parameter order for engines that call positionally.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	params map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]Func),
		params: make(map[string][]string),
	}
}

// Register adds fn under name. params lists argument names in positional
// order.
func (r *Registry) Register(name string, fn Func, params ...string) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.params[name] = params
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Params returns the positional parameter names of name.
func (r *Registry) Params(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params[name]
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes name. Unknown names are an error, not a panic.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown function: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return fn(ctx, args)
}
