// Package engine implements the loader's host capability on top of wazero.
//
// Every compiled module gets its own wazero runtime. Import namespaces are
// registered as host modules inside that runtime, so two modules that both
// import "env" never collide. Closing a module closes its runtime and every
// instance created from it.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/caffeineduck/wasmload/hostfunc"
	"github.com/caffeineduck/wasmload/loader"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

var (
	ErrEngineClosed        = errors.New("engine closed")
	ErrForeignModule       = errors.New("module was not compiled by this engine")
	ErrAlreadyInstantiated = errors.New("module already instantiated")
	ErrModuleClosed        = errors.New("module closed")
)

// Wazero implements loader.Engine and loader.StreamingEngine.
type Wazero struct {
	cfg    config
	cache  wazero.CompilationCache
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var (
	_ loader.Engine          = (*Wazero)(nil)
	_ loader.StreamingEngine = (*Wazero)(nil)
)

func New(opts ...Option) (*Wazero, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	switch {
	case cfg.diskCache:
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	case cfg.memoryCache:
		cache = wazero.NewCompilationCache()
	}

	return &Wazero{
		cfg:    cfg,
		cache:  cache,
		logger: cfg.logger,
	}, nil
}

func (w *Wazero) runtimeConfig() wazero.RuntimeConfig {
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if w.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(w.cache)
	}
	if w.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(w.cfg.memoryLimitPages)
	}
	return rtConfig
}

// Compile validates the preamble and compiles payload in a fresh runtime.
func (w *Wazero) Compile(ctx context.Context, payload []byte) (loader.CompiledModule, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrEngineClosed
	}

	if err := checkPreamble(payload); err != nil {
		return nil, err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, w.runtimeConfig())
	compiled, err := rt.CompileModule(ctx, payload)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	w.logger.Debug("compiled module",
		zap.Int("size", len(payload)),
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())))

	return &module{runtime: rt, compiled: compiled}, nil
}

// Instantiate registers each import namespace as a host module and then
// instantiates the guest. A module can be instantiated once.
func (w *Wazero) Instantiate(ctx context.Context, mod loader.CompiledModule, imports hostfunc.Imports) (loader.Instance, error) {
	m, ok := mod.(*module)
	if !ok {
		return nil, ErrForeignModule
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModuleClosed
	}
	if m.instantiated {
		return nil, ErrAlreadyInstantiated
	}
	m.instantiated = true

	if w.cfg.wasi {
		if _, ok := imports[wasi_snapshot_preview1.ModuleName]; ok {
			return nil, fmt.Errorf("import namespace %q is provided by WASI", wasi_snapshot_preview1.ModuleName)
		}
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime); err != nil {
			return nil, fmt.Errorf("instantiate WASI: %w", err)
		}
	}

	for _, ns := range imports.Namespaces() {
		if err := instantiateHostModule(ctx, m.runtime, ns, imports[ns]); err != nil {
			return nil, err
		}
	}

	moduleConfig := wazero.NewModuleConfig().WithName("")
	if w.cfg.wasi {
		moduleConfig = moduleConfig.WithStdout(os.Stdout).WithStderr(os.Stderr)
	}

	inst, err := m.runtime.InstantiateModule(ctx, m.compiled, moduleConfig)
	if err != nil {
		return nil, err
	}
	return &instance{module: inst}, nil
}

// InstantiateStreaming checks the preamble as soon as the first eight bytes
// arrive, so a non-module response is rejected before the rest of the body
// is downloaded.
func (w *Wazero) InstantiateStreaming(ctx context.Context, body io.Reader, imports hostfunc.Imports) (*loader.Result, error) {
	br := bufio.NewReader(body)
	head, err := br.Peek(preambleSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &loader.TransportError{Err: err}
	}
	if err := checkPreamble(head); err != nil {
		return nil, &loader.DecodingError{Err: err}
	}

	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, &loader.TransportError{Err: err}
	}

	mod, err := w.Compile(ctx, payload)
	if err != nil {
		return nil, &loader.DecodingError{Err: err}
	}
	inst, err := w.Instantiate(ctx, mod, imports)
	if err != nil {
		w.discard(ctx, mod)
		return nil, &loader.InstantiationError{Err: err}
	}
	return &loader.Result{Module: mod, Instance: inst}, nil
}

// discard closes a module whose instantiation failed. The instantiation
// error is what callers see, so a close failure is only logged.
func (w *Wazero) discard(ctx context.Context, mod loader.CompiledModule) {
	if err := mod.Close(ctx); err != nil {
		w.logger.Warn("close module after failed instantiation", zap.Error(err))
	}
}

// Close releases the compilation cache. Modules already compiled stay usable
// until closed themselves.
func (w *Wazero) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.cache != nil {
		return w.cache.Close(context.Background())
	}
	return nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, namespace string, bindings hostfunc.Namespace) error {
	builder := rt.NewHostModuleBuilder(namespace)
	for _, name := range bindings.Names() {
		switch b := bindings[name].(type) {
		case hostfunc.Func:
			if b.Fn == nil {
				return fmt.Errorf("import %s.%s: nil function", namespace, name)
			}
			builder.NewFunctionBuilder().
				WithGoModuleFunction(b.Fn, b.Params, b.Results).
				Export(name)
		default:
			if b == nil || reflect.TypeOf(b).Kind() != reflect.Func {
				return fmt.Errorf("import %s.%s: binding of type %T is not a function", namespace, name, b)
			}
			builder.NewFunctionBuilder().WithFunc(b).Export(name)
		}
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("import %s: %w", namespace, err)
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmload")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmload")
	}
	return filepath.Join(os.TempDir(), "wasmload-cache")
}

type module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu           sync.Mutex
	instantiated bool
	closed       bool
}

func (m *module) ImportedFunctions() []loader.FunctionDef {
	defs := m.compiled.ImportedFunctions()
	out := make([]loader.FunctionDef, 0, len(defs))
	for _, d := range defs {
		moduleName, name, _ := d.Import()
		out = append(out, loader.FunctionDef{
			Module:  moduleName,
			Name:    name,
			Params:  d.ParamTypes(),
			Results: d.ResultTypes(),
		})
	}
	return out
}

func (m *module) ExportedFunctions() []loader.FunctionDef {
	return exportDefs(m.compiled.ExportedFunctions())
}

func (m *module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.runtime.Close(ctx)
}

type instance struct {
	module api.Module
}

func (i *instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", loader.ErrFunctionNotExported, name)
	}
	return fn.Call(ctx, params...)
}

func (i *instance) ExportedFunctions() []loader.FunctionDef {
	return exportDefs(i.module.ExportedFunctionDefinitions())
}

func (i *instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

func exportDefs(defs map[string]api.FunctionDefinition) []loader.FunctionDef {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]loader.FunctionDef, 0, len(names))
	for _, name := range names {
		d := defs[name]
		out = append(out, loader.FunctionDef{
			Name:    name,
			Params:  d.ParamTypes(),
			Results: d.ResultTypes(),
		})
	}
	return out
}
