package loader

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Loader starts instances of one artifact. Every Start builds a fresh
// runtime; compiled code is shared between them through a compilation cache.
type Loader struct {
	artifact Artifact
	cfg      config
	cache    wazero.CompilationCache

	mu     sync.Mutex
	code   []byte
	seq    int
	closed bool
}

// New creates a Loader for the artifact. Nothing is read or compiled until
// the first Start or Validate.
func New(artifact Artifact, opts ...Option) (*Loader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = DefaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Loader{
		artifact: artifact,
		cfg:      cfg,
		cache:    cache,
	}, nil
}

// Name is the artifact's name.
func (l *Loader) Name() string {
	return l.artifact.Name()
}

// load returns the artifact bytes, loading them on first use. A failed load
// is retried on the next call.
func (l *Loader) load(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.code != nil {
		return l.code, nil
	}

	code, err := l.artifact.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstantiation, err)
	}
	if err := checkHeader(code); err != nil {
		return nil, err
	}
	l.code = code
	return code, nil
}

func (l *Loader) newRuntime(ctx context.Context) (wazero.Runtime, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(l.cache)
	if l.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(l.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate WASI: %w", ErrInstantiation, err)
	}
	return rt, nil
}

func (l *Loader) compile(ctx context.Context, rt wazero.Runtime) (wazero.CompiledModule, error) {
	code, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %w", ErrValidation, l.Name(), err)
	}
	if err := checkShape(compiled, l.cfg.startFunction); err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return compiled, nil
}

// Validate loads and compiles the artifact and checks its shape without
// running it.
func (l *Loader) Validate(ctx context.Context) error {
	rt, err := l.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	_, err = l.compile(ctx, rt)
	return err
}

// Start validates the artifact and begins executing it on a fresh runtime.
// It returns once execution has been started; callers wait for the guest's
// entry point with Instance.WaitReady.
func (l *Loader) Start(ctx context.Context) (*Instance, error) {
	rt, err := l.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	compiled, err := l.compile(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	l.mu.Lock()
	l.seq++
	name := fmt.Sprintf("%s#%d", l.Name(), l.seq)
	l.mu.Unlock()

	// An OS pipe lets wazero poll stdin, so a guest waiting for its next
	// frame parks one goroutine instead of the whole module.
	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		compiled.Close(ctx)
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrInstantiation, err)
	}
	inst := newInstance(name, stdinWriter, l.cfg.registry, l.cfg.logger)
	inst.runtime = rt

	args := append([]string{l.Name()}, l.cfg.args...)
	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(args...).
		WithStdin(stdinReader).
		WithStdout(inst.stdoutWriter()).
		WithStderr(inst).
		WithStartFunctions(l.cfg.startFunction).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)
	for k, v := range l.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst.cancelRun = cancel

	go func() {
		mod, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		stdinReader.Close()
		inst.finish(err)
		stdinWriter.Close()
	}()

	inst.logger.Debug("instance started")
	return inst, nil
}

// Close releases the compilation cache. Instances must be closed separately.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.code = nil

	return l.cache.Close(ctx)
}

// DefaultCacheDir is where WithDiskCache stores compiled code when no
// directory is given.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmshim")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmshim")
	}
	return filepath.Join(os.TempDir(), "wasmshim-cache")
}
