// Package wasmload fetches or reads WebAssembly modules, compiles and
// instantiates them, and keeps the result current as the source changes.
//
// # Overview
//
// A module source is a URL or an in-memory buffer. The [loader] resolves it
// into a compiled module and a live instance, preferring a streaming
// compile for URLs. A [session] wraps the loader with loading, error and
// data state and reloads only when the source actually changes.
//
// # Basic Usage
//
//	eng, _ := engine.New(engine.WithMemoryCache())
//	defer eng.Close()
//
//	// One-shot load
//	res, err := loader.New(eng).Load(ctx, loader.Source{URL: url}, nil)
//	if err != nil {
//	    // *loader.TransportError, *loader.DecodingError or
//	    // *loader.InstantiationError
//	}
//	defer res.Close(ctx)
//	out, _ := res.Instance.Call(ctx, "add", api.EncodeI32(1), api.EncodeI32(2))
//
//	// Session that follows a changing source
//	s := session.New(loader.New(eng)).Start(ctx, loader.Source{URL: url}, nil)
//	defer s.Close()
//	st, _ := s.Wait(ctx)
//
// # Imports
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.RegisterBuiltins(registry, logger)
//	registry.Register("imports", "add_js", func(a, b int32) int32 { return a + b })
//	res, _ := l.Load(ctx, src, registry.Imports())
//
// See the [engine], [loader], [session], [hostfunc] and [fetch] packages
// for detailed API documentation.
package wasmload
