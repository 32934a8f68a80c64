package forwarder

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

type config struct {
	timeout      time.Duration
	maxBodyBytes int64
	logger       *zap.Logger
}

// Option configures a Forwarder.
type Option func(*config)

func defaultConfig() config {
	return config{
		timeout:      DefaultTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zap.NewNop(),
	}
}

// WithTimeout bounds each invocation of the entry point.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxBodyBytes limits inbound request bodies. Zero or less disables the
// limit.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		c.maxBodyBytes = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
