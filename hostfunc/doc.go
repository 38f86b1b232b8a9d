// Package hostfunc describes the import environment a WebAssembly module is
// instantiated against.
//
// # Overview
//
// A module declares imports as (namespace, name) pairs, for example
// "imports"."add_js". [Imports] maps each namespace to a [Namespace] of
// bindings. A binding is either a plain Go function, whose wasm signature
// is derived by reflection, or a [Func] with an explicit signature:
//
//	imports := hostfunc.Imports{
//	    "imports": {
//	        "add_js": func(a, b int32) int32 { return a + b },
//	    },
//	}
//
// # Registry
//
// The [Registry] builds an environment incrementally and is safe for
// concurrent use:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("env", "now_ms", func() int64 {
//	    return time.Now().UnixMilli()
//	})
//	imports := registry.Imports()
//
// # Built-in Bindings
//
// [RegisterBuiltins] installs a small "env" namespace (clock, logging and
// the AssemblyScript abort hook) used by the wasmload CLI.
//
// The environment is passed through to the engine unmodified. It is not
// part of a session's change-detection key.
package hostfunc
