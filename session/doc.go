// Package session keeps loading/error/data state for a module source that
// may change over time.
//
// # Overview
//
// A [Session] is started with a source and re-evaluated with [Session.Update]
// every time the caller has a (possibly unchanged) source:
//
//	c := session.New(loader.New(eng))
//	s := c.Start(ctx, loader.Source{URL: "https://example.com/a.wasm"}, imports)
//	defer s.Close()
//
//	st, _ := s.Wait(ctx)    // settled: st.Data or st.Err
//	s.Update(loader.Source{URL: "https://example.com/a.wasm"}, imports) // false, unchanged
//	s.Update(loader.Source{URL: "https://example.com/b.wasm"}, imports) // true, loading again
//
// # Change Detection
//
// A new run starts when the URL is present and differs from the previous
// one, or when no URL is present and the buffer differs from the previous
// one. Buffers are compared by identity (same backing array and length), so
// a buffer mutated in place is not a change. While a URL is set, buffer
// changes are ignored.
//
// The import environment is not part of the key. Supplying different
// imports for an unchanged source does not rebuild the instance; keep the
// imports stable for the life of a source, or change the source to force a
// reload.
//
// # Ordering
//
// Runs are not cancelled synchronously and may settle in any order. Each run
// carries a token and only the latest one may update the state; results of
// superseded runs are closed and dropped.
//
// # Results
//
// A session owns the results it produces. The result held in the state is
// closed when a new run starts or the session is closed, unless the
// controller was created with [WithKeepResults].
package session
