// Package loader resolves a module source into a compiled module and a live
// instance.
//
// # Overview
//
// A [Source] is either a URL or an in-memory buffer; the URL wins when both
// are set. [Loader.Load] runs the pipeline:
//
//   - URL: fetch it. If the [Engine] also implements [StreamingEngine], the
//     response body goes straight to InstantiateStreaming. Otherwise the body
//     is read to completion and compiled like a buffer.
//   - Buffer: compile the bytes, then instantiate against the imports.
//   - Neither: fail with [ErrInvalidParameters] without any I/O.
//
// # Basic Usage
//
//	eng, err := engine.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	l := loader.New(eng)
//	res, err := l.Load(ctx, loader.Source{URL: "https://example.com/add.wasm"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer res.Close(ctx)
//
//	out, _ := res.Instance.Call(ctx, "add", api.EncodeI32(1), api.EncodeI32(2))
//
// # Errors
//
// Failures are reported as one of [ErrInvalidParameters], [*TransportError],
// [*DecodingError] or [*InstantiationError]. Messages from the transport and
// the engine are passed through unchanged.
package loader
