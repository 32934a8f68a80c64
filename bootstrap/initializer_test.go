package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/wasmshim/loader"
	"github.com/caffeineduck/wasmshim/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	name      string
	readyErr  error
	readyWait time.Duration
	ignoreCtx bool
	closed    atomic.Bool
	crashed   atomic.Bool
}

func (f *fakeInstance) Name() string { return f.name }

func (f *fakeInstance) WaitReady(ctx context.Context, timeout time.Duration) error {
	if f.readyWait > 0 && f.ignoreCtx {
		time.Sleep(f.readyWait)
	} else if f.readyWait > 0 {
		select {
		case <-time.After(f.readyWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.readyErr
}

func (f *fakeInstance) Available() bool {
	return f.readyErr == nil && !f.closed.Load() && !f.crashed.Load()
}

func (f *fakeInstance) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return &wire.Response{Status: 200}, nil
}

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

// fakeSource builds the nth instance with script(n), counting from 1.
type fakeSource struct {
	mu        sync.Mutex
	starts    int
	instances []*fakeInstance
	script    func(n int) (*fakeInstance, error)
}

func (s *fakeSource) Start(ctx context.Context) (Instance, error) {
	s.mu.Lock()
	s.starts++
	n := s.starts
	s.mu.Unlock()

	inst, err := s.script(n)
	if err != nil {
		return nil, err
	}
	inst.name = fmt.Sprintf("fake#%d", n)

	s.mu.Lock()
	s.instances = append(s.instances, inst)
	s.mu.Unlock()
	return inst, nil
}

func (s *fakeSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func always(readyErr error) func(int) (*fakeInstance, error) {
	return func(int) (*fakeInstance, error) {
		return &fakeInstance{readyErr: readyErr}, nil
	}
}

func fast(opts ...Option) []Option {
	return append([]Option{WithBaseDelay(5 * time.Millisecond)}, opts...)
}

func TestEnsureReadySingleSequenceUnderConcurrency(t *testing.T) {
	source := &fakeSource{script: func(int) (*fakeInstance, error) {
		return &fakeInstance{readyWait: 50 * time.Millisecond}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	const callers = 50
	results := make([]Instance, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = in.EnsureReady(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, source.Starts())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, Ready, in.State())
}

func TestEnsureReadySecondAttemptSucceeds(t *testing.T) {
	source := &fakeSource{script: func(n int) (*fakeInstance, error) {
		if n == 1 {
			return &fakeInstance{readyErr: loader.ErrEntryPointUnavailable}, nil
		}
		return &fakeInstance{}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	inst, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake#2", inst.Name())
	assert.Equal(t, 2, in.Attempts())
	assert.Equal(t, Ready, in.State())

	assert.True(t, source.instances[0].closed.Load(), "failed attempt must close its instance")
	assert.False(t, source.instances[1].closed.Load())
}

func TestEnsureReadyStartErrorIsRetried(t *testing.T) {
	source := &fakeSource{script: func(n int) (*fakeInstance, error) {
		if n == 1 {
			return nil, fmt.Errorf("%w: boom", loader.ErrInstantiation)
		}
		return &fakeInstance{}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	_, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, in.Attempts())
}

func TestEnsureReadyGivesUpAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	source := &fakeSource{script: always(loader.ErrEntryPointUnavailable)}
	in := New(source, fast(WithNotify(func(attempt int, err error, d time.Duration) {
		delays = append(delays, d)
	}))...)
	defer in.Close(context.Background())

	_, err := in.EnsureReady(context.Background())
	require.Error(t, err)

	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 3, initErr.Attempts)
	assert.ErrorIs(t, err, loader.ErrEntryPointUnavailable)
	assert.Contains(t, err.Error(), "WASM initialization failed after 3 attempts")

	assert.Equal(t, 3, source.Starts())
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, delays)
	assert.Equal(t, Failed, in.State())

	for _, inst := range source.instances {
		assert.True(t, inst.closed.Load())
	}
}

func TestEnsureReadyHonoursMaxAttempts(t *testing.T) {
	source := &fakeSource{script: always(loader.ErrEntryPointUnavailable)}
	in := New(source, fast(WithMaxAttempts(5), WithBaseDelay(time.Millisecond))...)
	defer in.Close(context.Background())

	_, err := in.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5, source.Starts())
	assert.Equal(t, 5, in.Attempts())
}

func TestFailureIsSticky(t *testing.T) {
	source := &fakeSource{script: always(loader.ErrEntryPointUnavailable)}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	_, first := in.EnsureReady(context.Background())
	require.Error(t, first)

	for range 3 {
		_, err := in.EnsureReady(context.Background())
		assert.Same(t, first, err)
	}
	assert.Equal(t, 3, source.Starts())
}

func TestResetClearsFailure(t *testing.T) {
	var healthy atomic.Bool
	source := &fakeSource{script: func(int) (*fakeInstance, error) {
		if healthy.Load() {
			return &fakeInstance{}, nil
		}
		return &fakeInstance{readyErr: loader.ErrEntryPointUnavailable}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	_, err := in.EnsureReady(context.Background())
	require.Error(t, err)

	healthy.Store(true)
	require.NoError(t, in.Reset(context.Background()))
	assert.Equal(t, Uninitialized, in.State())

	_, err = in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, in.Attempts())
}

func TestResetClosesReadyInstance(t *testing.T) {
	source := &fakeSource{script: always(nil)}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	_, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	require.NoError(t, in.Reset(context.Background()))
	assert.True(t, source.instances[0].closed.Load())

	inst, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake#2", inst.Name())
}

func TestResetDuringSequenceDropsItsResult(t *testing.T) {
	source := &fakeSource{script: func(n int) (*fakeInstance, error) {
		if n == 1 {
			return &fakeInstance{readyWait: 100 * time.Millisecond, ignoreCtx: true}, nil
		}
		return &fakeInstance{}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	type result struct {
		inst Instance
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		inst, err := in.EnsureReady(context.Background())
		resCh <- result{inst, err}
	}()

	require.Eventually(t, func() bool { return source.Starts() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, in.Reset(context.Background()))
	assert.Equal(t, Uninitialized, in.State())

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "fake#2", res.inst.Name())
	assert.Equal(t, Ready, in.State())
	require.Eventually(t, func() bool { return source.instances[0].closed.Load() }, time.Second, time.Millisecond)
}

func TestCloseDropsLateSuccess(t *testing.T) {
	source := &fakeSource{script: func(int) (*fakeInstance, error) {
		return &fakeInstance{readyWait: 50 * time.Millisecond, ignoreCtx: true}, nil
	}}
	in := New(source, fast()...)

	errCh := make(chan error, 1)
	go func() {
		_, err := in.EnsureReady(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return source.Starts() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, in.Close(context.Background()))

	err := <-errCh
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.NotEqual(t, Ready, in.State())
	require.Eventually(t, func() bool { return source.instances[0].closed.Load() }, time.Second, time.Millisecond)
}

func TestFailFastStopsOnValidation(t *testing.T) {
	invalid := func(int) (*fakeInstance, error) {
		return nil, fmt.Errorf("%w: missing export", loader.ErrValidation)
	}

	t.Run("enabled", func(t *testing.T) {
		source := &fakeSource{script: invalid}
		in := New(source, fast(WithFailFast(true))...)
		defer in.Close(context.Background())

		_, err := in.EnsureReady(context.Background())
		var initErr *InitializationError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, 1, initErr.Attempts)
		assert.ErrorIs(t, err, loader.ErrValidation)
		assert.Equal(t, 1, source.Starts())
	})

	t.Run("disabled", func(t *testing.T) {
		source := &fakeSource{script: invalid}
		in := New(source, fast()...)
		defer in.Close(context.Background())

		_, err := in.EnsureReady(context.Background())
		require.ErrorIs(t, err, loader.ErrValidation)
		assert.Equal(t, 3, source.Starts())
	})
}

func TestReinitializesAfterCrash(t *testing.T) {
	source := &fakeSource{script: always(nil)}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	first, err := in.EnsureReady(context.Background())
	require.NoError(t, err)

	source.instances[0].crashed.Store(true)

	second, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, source.Starts())
}

func TestCallerCanAbandonWait(t *testing.T) {
	source := &fakeSource{script: func(int) (*fakeInstance, error) {
		return &fakeInstance{readyWait: 100 * time.Millisecond}, nil
	}}
	in := New(source, fast()...)
	defer in.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := in.EnsureReady(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared sequence keeps going for everyone else.
	inst, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake#1", inst.Name())
	assert.Equal(t, 1, source.Starts())
}

func TestSettleDelay(t *testing.T) {
	source := &fakeSource{script: always(nil)}
	in := New(source, fast(WithSettleDelay(30*time.Millisecond))...)
	defer in.Close(context.Background())

	start := time.Now()
	_, err := in.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCloseStopsRetrying(t *testing.T) {
	source := &fakeSource{script: always(loader.ErrEntryPointUnavailable)}
	in := New(source, WithBaseDelay(time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := in.EnsureReady(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return source.Starts() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, in.Close(context.Background()))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureReady did not return after Close")
	}
}

func TestFromLoaderPropagatesNilInstance(t *testing.T) {
	l, err := loader.New(loader.Bytes{Code: []byte("bogus")})
	require.NoError(t, err)
	defer l.Close(context.Background())

	inst, err := FromLoader(l).Start(context.Background())
	require.ErrorIs(t, err, loader.ErrValidation)
	assert.True(t, inst == nil, "a failed start must not return a typed nil")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestInitializationErrorUnwraps(t *testing.T) {
	cause := errors.New("cause")
	err := &InitializationError{Attempts: 2, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "WASM initialization failed after 2 attempts: cause", err.Error())
}
