package hostfunc

import (
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// Func is a host binding with an explicit wasm signature. Use it when the
// function needs raw access to the value stack or to the calling module's
// memory.
type Func struct {
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// Namespace maps export names to bindings. A binding is a [Func] or any Go
// function accepted by wazero's FunctionBuilder.WithFunc.
type Namespace map[string]any

// Imports maps namespace names to their bindings.
type Imports map[string]Namespace

// Namespaces returns the namespace names in sorted order.
func (i Imports) Namespaces() []string {
	names := make([]string, 0, len(i))
	for name := range i {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the binding names of the namespace in sorted order.
func (n Namespace) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new environment holding the bindings of i overlaid with
// those of other. Neither input is modified.
func (i Imports) Merge(other Imports) Imports {
	out := make(Imports, len(i)+len(other))
	for _, src := range []Imports{i, other} {
		for ns, bindings := range src {
			dst, ok := out[ns]
			if !ok {
				dst = make(Namespace, len(bindings))
				out[ns] = dst
			}
			for name, b := range bindings {
				dst[name] = b
			}
		}
	}
	return out
}

type Registry struct {
	mu      sync.RWMutex
	imports Imports
}

func NewRegistry() *Registry {
	return &Registry{imports: make(Imports)}
}

func (r *Registry) Register(namespace, name string, binding any) {
	r.mu.Lock()
	ns, ok := r.imports[namespace]
	if !ok {
		ns = make(Namespace)
		r.imports[namespace] = ns
	}
	ns[name] = binding
	r.mu.Unlock()
}

func (r *Registry) Get(namespace, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.imports[namespace][name]
	return b, ok
}

// List returns every registered binding as "namespace.name", sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for ns, bindings := range r.imports {
		for name := range bindings {
			names = append(names, ns+"."+name)
		}
	}
	sort.Strings(names)
	return names
}

// Imports returns a snapshot of the registry. Later registrations do not
// affect the returned value.
func (r *Registry) Imports() Imports {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Imports{}.Merge(r.imports)
}
