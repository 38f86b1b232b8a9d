package loader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/caffeineduck/wasmload/hostfunc"
	"github.com/tetratelabs/wazero/api"
)

// Engine is the host capability that turns bytes into running modules.
type Engine interface {
	// Compile decodes and validates payload.
	Compile(ctx context.Context, payload []byte) (CompiledModule, error)
	// Instantiate links a module compiled by this engine against imports.
	Instantiate(ctx context.Context, module CompiledModule, imports hostfunc.Imports) (Instance, error)
}

// StreamingEngine is implemented by engines that can compile and
// instantiate directly from an in-flight response body. Errors must already
// be a *TransportError, *DecodingError or *InstantiationError; anything else
// is reported as an InstantiationError.
type StreamingEngine interface {
	Engine
	InstantiateStreaming(ctx context.Context, body io.Reader, imports hostfunc.Imports) (*Result, error)
}

// Fetcher is the network transport. The returned body is closed by the
// loader.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// CompiledModule is a validated module, ready for instantiation.
type CompiledModule interface {
	ImportedFunctions() []FunctionDef
	ExportedFunctions() []FunctionDef
	// Close releases the module and everything instantiated from it.
	Close(ctx context.Context) error
}

// Instance is a live instantiation of a CompiledModule.
type Instance interface {
	// Call invokes an exported function with raw wasm values. It returns an
	// error wrapping ErrFunctionNotExported for unknown names.
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	ExportedFunctions() []FunctionDef
	Close(ctx context.Context) error
}

// FunctionDef describes an imported or exported function.
type FunctionDef struct {
	// Module is the import namespace; empty for exports.
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

func (d FunctionDef) String() string {
	var b strings.Builder
	if d.Module != "" {
		b.WriteString(d.Module)
		b.WriteByte('.')
	}
	b.WriteString(d.Name)
	b.WriteString(typeList(d.Params))
	if len(d.Results) > 0 {
		b.WriteString(" -> ")
		b.WriteString(typeList(d.Results))
	}
	return b.String()
}

func typeList(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return "(" + strings.Join(names, ", ") + ")"
}

// Result is a compiled module together with its instance.
type Result struct {
	Module   CompiledModule
	Instance Instance
}

// Close closes the instance, then the module.
func (r *Result) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Instance != nil {
		if err := r.Instance.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Module != nil {
		if err := r.Module.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close result: %w", errs[0])
	}
	return nil
}
