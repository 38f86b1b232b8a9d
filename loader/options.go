package loader

import "go.uber.org/zap"

// DefaultMaxModuleSize bounds downloaded modules.
const DefaultMaxModuleSize int64 = 64 << 20

// Option configures a Loader.
type Option func(*config)

type config struct {
	fetcher       Fetcher
	streaming     bool
	maxModuleSize int64
	logger        *zap.Logger
}

func defaultConfig() config {
	return config{
		streaming:     true,
		maxModuleSize: DefaultMaxModuleSize,
		logger:        zap.NewNop(),
	}
}

// WithFetcher replaces the default HTTP transport.
func WithFetcher(f Fetcher) Option {
	return func(c *config) {
		c.fetcher = f
	}
}

// WithStreaming toggles the streaming path for engines that support it.
// It is enabled by default.
func WithStreaming(enabled bool) Option {
	return func(c *config) {
		c.streaming = enabled
	}
}

// WithMaxModuleSize sets the largest module body read from the network.
// Zero or negative means no limit.
func WithMaxModuleSize(n int64) Option {
	return func(c *config) {
		c.maxModuleSize = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
