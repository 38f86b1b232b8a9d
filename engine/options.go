package engine

import "go.uber.org/zap"

// Option configures an Engine at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	memoryCache      bool
	cacheDir         string
	wasi             bool
	memoryLimitPages uint32 // each page = 64KB, 0 = wazero default (4GB)
	logger           *zap.Logger
}

func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
	}
}

// WithDiskCache enables a persistent compilation cache shared by every
// module this engine compiles. Optionally provide a custom directory;
// otherwise uses ~/.cache/wasmload or XDG_CACHE_HOME/wasmload.
//
// Examples:
//
//	engine.New(engine.WithDiskCache())            // default dir
//	engine.New(engine.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryCache enables an in-process compilation cache. Repeated loads
// of identical bytes then skip native compilation.
func WithMemoryCache() Option {
	return func(c *config) {
		c.memoryCache = true
	}
}

// WithWASI makes wasi_snapshot_preview1 available to every instance.
func WithWASI() Option {
	return func(c *config) {
		c.wasi = true
	}
}

// WithMemoryLimit sets the maximum memory available to each module.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
