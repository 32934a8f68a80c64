package loader

import (
	"maps"

	"github.com/caffeineduck/wasmshim/hostfunc"
	"go.uber.org/zap"
)

// Option configures a Loader.
type Option func(*config)

type config struct {
	startFunction    string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	args             []string
	env              map[string]string
	registry         *hostfunc.Registry
	logger           *zap.Logger
}

func defaultConfig() config {
	return config{
		startFunction: "_start",
		env:           make(map[string]string),
		logger:        zap.NewNop(),
	}
}

// WithStartFunction names the exported function that runs the guest.
// Defaults to "_start", the WASI command entry.
func WithStartFunction(name string) Option {
	return func(c *config) {
		if name != "" {
			c.startFunction = name
		}
	}
}

// WithDiskCache enables a persistent compilation cache. Optionally provide a
// custom directory; otherwise uses ~/.cache/wasmshim or XDG_CACHE_HOME/wasmshim.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to the module.
// Each page is 64KB. Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithArgs sets the guest's argv after the program name.
func WithArgs(args ...string) Option {
	return func(c *config) {
		c.args = append(c.args, args...)
	}
}

// WithEnv adds environment variables visible to the guest through WASI.
func WithEnv(env map[string]string) Option {
	return func(c *config) {
		maps.Copy(c.env, env)
	}
}

// WithRegistry sets the host functions guests may call.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
