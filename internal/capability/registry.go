package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	spec     Spec
	executor Executor
	// source is the catalog path an entry was loaded from, empty for code registrations.
	source string
}

// Registry maps capability names to executors and their metadata.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a capability. It fails if the name is already taken.
func (r *Registry) Register(spec Spec, executor Executor) error {
	if spec.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if executor == nil {
		return fmt.Errorf("capability %s: executor is required", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, executor: executor}
	return nil
}

// RegisterFunc is shorthand for Register with an ExecutorFunc.
func (r *Registry) RegisterFunc(spec Spec, fn ExecutorFunc) error {
	return r.Register(spec, fn)
}

// upsert replaces or inserts an entry owned by source.
func (r *Registry) upsert(spec Spec, executor Executor, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = &entry{spec: spec, executor: executor, source: source}
}

// pruneSource drops entries loaded from source whose names are not in keep.
func (r *Registry) pruneSource(source string, keep map[string]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, e := range r.entries {
		if e.source == source && !keep[name] {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Unregister removes a capability. It reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Spec returns the metadata for name.
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Names returns every registered capability, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equivalents returns the registered stand-ins for name, in declared order.
// Unregistered equivalents are skipped.
func (r *Registry) Equivalents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	var out []string
	for _, eq := range e.spec.Equivalents {
		if _, ok := r.entries[eq]; ok && eq != name {
			out = append(out, eq)
		}
	}
	return out
}

// Invoke runs the named capability with an optional timeout. Wall time is
// filled in when the executor leaves it empty, and a payload that is not
// valid JSON comes back as a JSON string.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, timeout time.Duration) (Outcome, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.executor.Execute(ctx, params)
	if out.Usage.WallTime == 0 {
		out.Usage.WallTime = time.Since(start)
	}
	if len(out.Payload) > 0 && !json.Valid(out.Payload) {
		out.Payload, _ = json.Marshal(string(out.Payload))
	}
	return out, err
}

// Verify Registry implements Invoker at compile time.
var _ Invoker = (*Registry)(nil)
