package bootstrap

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/caffeineduck/wasmshim/internal/metrics"
	"github.com/caffeineduck/wasmshim/loader"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Initializer brings a module up once and shares the outcome with every
// caller. At most one initialization sequence runs at a time.
type Initializer struct {
	source Source
	cfg    config
	group  singleflight.Group

	// ctx outlives individual callers; only Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	inst     Instance
	attempts int
	lastErr  error

	// gen changes on Reset and Close; a sequence started under an older
	// generation discards its result.
	gen       uint64
	cancelSeq context.CancelFunc
}

// errSuperseded ends a sequence that a Reset overtook.
var errSuperseded = errors.New("initialization superseded by reset")

// New returns an Initializer in the Uninitialized state. Nothing is started
// until the first EnsureReady.
func New(source Source, opts ...Option) *Initializer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &Initializer{
		source: source,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	metrics.SetInitState(Uninitialized.String())
	return in
}

// State returns the current lifecycle state.
func (in *Initializer) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Attempts returns how many attempts the latest sequence made.
func (in *Initializer) Attempts() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.attempts
}

func (in *Initializer) setState(s State) {
	in.state = s
	metrics.SetInitState(s.String())
}

// EnsureReady returns a ready instance, starting one if needed. Concurrent
// callers share a single sequence; a caller whose ctx ends stops waiting
// without cancelling it for the others. After every attempt has failed the
// same *InitializationError is returned until Reset.
func (in *Initializer) EnsureReady(ctx context.Context) (Instance, error) {
	for {
		inst, err, done := in.cached()
		if done {
			return inst, err
		}
		gen := in.generation()

		ch := in.group.DoChan("init-"+strconv.FormatUint(gen, 10), func() (any, error) {
			return in.initialize(gen)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errSuperseded) {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(Instance), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (in *Initializer) generation() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.gen
}

// cached reports the settled outcome, if there is one. A ready instance that
// has since stopped is discarded so the caller starts over.
func (in *Initializer) cached() (Instance, error, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state {
	case Ready:
		if in.inst.Available() {
			return in.inst, nil, true
		}
		in.cfg.logger.Warn("instance no longer available, reinitializing",
			zap.String("instance", in.inst.Name()))
		stale := in.inst
		in.inst = nil
		in.setState(Uninitialized)
		go stale.Close(context.Background())
	case Failed:
		return nil, in.lastErr, true
	}
	return nil, nil, false
}

func (in *Initializer) initialize(gen uint64) (Instance, error) {
	if inst, err, done := in.cached(); done {
		return inst, err
	}

	in.mu.Lock()
	if gen != in.gen {
		in.mu.Unlock()
		return nil, errSuperseded
	}
	ctx, cancel := context.WithCancel(in.ctx)
	defer cancel()
	in.cancelSeq = cancel
	in.setState(Initializing)
	in.attempts = 0
	in.mu.Unlock()

	in.cfg.logger.Info("initializing module", zap.Int("max_attempts", in.cfg.maxAttempts))

	b := &backoff.ExponentialBackOff{
		InitialInterval:     in.cfg.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         in.cfg.baseDelay << 20,
	}

	attempt := 0
	inst, err := backoff.Retry(ctx, func() (Instance, error) {
		attempt++
		in.mu.Lock()
		if gen == in.gen {
			in.attempts = attempt
		}
		in.mu.Unlock()

		inst, err := in.attempt(ctx, attempt)
		if err != nil && in.cfg.failFast && errors.Is(err, loader.ErrValidation) {
			return nil, backoff.Permanent(err)
		}
		return inst, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(in.cfg.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			in.cfg.logger.Warn("initialization attempt failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", d), zap.Error(err))
			if in.cfg.notify != nil {
				in.cfg.notify(attempt, err, d)
			}
		}),
	)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.ctx.Err() != nil || gen != in.gen {
		if inst != nil {
			go inst.Close(context.Background())
		}
		if in.ctx.Err() != nil {
			// Closed mid-sequence; Close has already settled the state.
			if err == nil {
				err = in.ctx.Err()
			}
			return nil, &InitializationError{Attempts: attempt, Err: err}
		}
		return nil, errSuperseded
	}
	in.cancelSeq = nil

	if err != nil {
		initErr := &InitializationError{Attempts: attempt, Err: err}
		in.lastErr = initErr
		in.setState(Failed)
		in.cfg.logger.Error("module initialization failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, initErr
	}

	in.inst = inst
	in.lastErr = nil
	in.setState(Ready)
	in.cfg.logger.Info("module ready", zap.String("instance", inst.Name()), zap.Int("attempts", attempt))
	return inst, nil
}

// attempt runs one start-settle-wait cycle. A failed attempt closes its
// instance so the next one starts clean. ctx bounds only the waiting; the
// instance is started under the initializer's context.
func (in *Initializer) attempt(ctx context.Context, n int) (Instance, error) {
	start := time.Now()

	inst, err := in.source.Start(in.ctx)
	if err != nil {
		metrics.ObserveInitAttempt(outcome(err), time.Since(start))
		return nil, err
	}

	if in.cfg.settleDelay > 0 {
		select {
		case <-time.After(in.cfg.settleDelay):
		case <-ctx.Done():
			inst.Close(context.Background())
			return nil, ctx.Err()
		}
	}

	if err := inst.WaitReady(ctx, in.cfg.readyTimeout); err != nil {
		inst.Close(context.Background())
		metrics.ObserveInitAttempt(outcome(err), time.Since(start))
		return nil, err
	}

	metrics.ObserveInitAttempt("ok", time.Since(start))
	in.cfg.logger.Debug("attempt succeeded", zap.Int("attempt", n), zap.Duration("elapsed", time.Since(start)))
	return inst, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, loader.ErrValidation):
		return "validation"
	case errors.Is(err, loader.ErrInstantiation):
		return "instantiation"
	case errors.Is(err, loader.ErrEntryPointUnavailable):
		return "entry_point"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

// Reset discards the current instance and any terminal failure. A sequence
// still running is cancelled and its result dropped; the next EnsureReady
// starts a new one.
func (in *Initializer) Reset(ctx context.Context) error {
	in.mu.Lock()
	inst := in.inst
	in.inst = nil
	in.lastErr = nil
	in.attempts = 0
	in.gen++
	if in.cancelSeq != nil {
		in.cancelSeq()
		in.cancelSeq = nil
	}
	in.setState(Uninitialized)
	in.mu.Unlock()

	in.cfg.logger.Info("initializer reset")
	if inst != nil {
		return inst.Close(ctx)
	}
	return nil
}

// Close stops any running sequence and closes the instance.
func (in *Initializer) Close(ctx context.Context) error {
	in.cancel()

	in.mu.Lock()
	inst := in.inst
	in.inst = nil
	in.gen++
	in.cancelSeq = nil
	in.setState(Uninitialized)
	in.mu.Unlock()

	if inst != nil {
		return inst.Close(ctx)
	}
	return nil
}
