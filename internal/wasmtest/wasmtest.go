// Package wasmtest holds hand-assembled modules and an HTTP fixture server
// shared by the package tests.
package wasmtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// AddDiv exports add(i32, i32) -> i32 and div(i32, i32) -> i32 (signed).
var AddDiv = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32) -> i32
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// func: two functions of type 0
	0x03, 0x03, 0x02, 0x00, 0x00,
	// export: "add" func 0, "div" func 1
	0x07, 0x0d, 0x02,
	0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x03, 'd', 'i', 'v', 0x00, 0x01,
	// code
	0x0a, 0x11, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // i32.add
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b, // i32.div_s
}

// Sub exports sub(i32, i32) -> i32 only.
var Sub = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01,
	0x03, 's', 'u', 'b', 0x00, 0x00,
	0x0a, 0x09, 0x01,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6b, 0x0b, // i32.sub
}

// WithImport imports imports.add_js(i32, i32) -> i32 and exports add, which
// forwards to it.
var WithImport = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// import: "imports" "add_js" func type 0
	0x02, 0x12, 0x01,
	0x07, 'i', 'm', 'p', 'o', 'r', 't', 's',
	0x06, 'a', 'd', 'd', '_', 'j', 's',
	0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	// export: "add" func 1
	0x07, 0x07, 0x01,
	0x03, 'a', 'd', 'd', 0x00, 0x01,
	0x0a, 0x0a, 0x01,
	0x08, 0x00, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b, // call 0
}

// CorruptMagic returns a copy of b with the low bit of the first byte
// flipped.
func CorruptMagic(b []byte) []byte {
	out := append([]byte(nil), b...)
	out[0] ^= 0x01
	return out
}

// Server serves modules by path suffix and answers 404 for anything else.
// It counts requests per path.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	modules  map[string][]byte
	requests map[string]int
}

// NewServer starts a Server serving modules, keyed by path such as
// "/bytes.wasm". It is closed when the test ends.
func NewServer(t testing.TB, modules map[string][]byte) *Server {
	t.Helper()
	s := &Server{
		modules:  modules,
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	s.mu.Unlock()

	for path, body := range s.modules {
		if strings.HasSuffix(r.URL.Path, path) {
			w.Header().Set("Content-Type", "application/wasm")
			w.Write(body)
			return
		}
	}
	http.NotFound(w, r)
}

// URLFor returns the absolute URL of path.
func (s *Server) URLFor(path string) string {
	return s.URL + path
}

// Requests returns how many times path was requested.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}
