package bootstrap

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultReadyTimeout = 5 * time.Second
)

// Option configures an Initializer.
type Option func(*config)

type config struct {
	maxAttempts  int
	baseDelay    time.Duration
	settleDelay  time.Duration
	readyTimeout time.Duration
	failFast     bool
	logger       *zap.Logger
	notify       func(attempt int, err error, delay time.Duration)
}

func defaultConfig() config {
	return config{
		maxAttempts:  DefaultMaxAttempts,
		baseDelay:    DefaultBaseDelay,
		readyTimeout: DefaultReadyTimeout,
		logger:       zap.NewNop(),
	}
}

// WithMaxAttempts bounds the attempts per initialization sequence.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the wait before the second attempt. Each later wait
// doubles.
func WithBaseDelay(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithSettleDelay waits after starting the module before looking for its
// entry point.
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) {
		c.settleDelay = d
	}
}

// WithReadyTimeout bounds how long one attempt waits for the entry point.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithFailFast stops retrying when the module fails validation.
func WithFailFast(enabled bool) Option {
	return func(c *config) {
		c.failFast = enabled
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotify is called after every failed attempt that will be retried,
// with the wait before the next one.
func WithNotify(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *config) {
		c.notify = fn
	}
}
