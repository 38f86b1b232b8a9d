package session

import "go.uber.org/zap"

// Option configures a Controller.
type Option func(*config)

type config struct {
	keepResults bool
	logger      *zap.Logger
}

func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
	}
}

// WithKeepResults stops sessions from closing the results they replace or
// hold at Close. The caller then owns every Result it observes. Results of
// superseded runs are never observed and are still closed.
func WithKeepResults() Option {
	return func(c *config) {
		c.keepResults = true
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
