package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/wasmshim/hostfunc"
	"github.com/caffeineduck/wasmshim/wire"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

const outboxSize = 64

// Instance is one running guest. Requests are multiplexed over its stdio by
// frame ID, so any number of Invoke calls may be in flight.
type Instance struct {
	name     string
	registry *hostfunc.Registry
	logger   *zap.Logger

	runtime   wazero.Runtime
	cancelRun context.CancelFunc

	stdin  io.WriteCloser
	outbox chan []byte

	splitMu  sync.Mutex
	splitter wire.Splitter
	stderr   *lineLogger

	mu      sync.Mutex
	pending map[string]*invocation
	closed  bool

	readyCh   chan struct{}
	readyOnce sync.Once
	doneCh    chan struct{}
	doneOnce  sync.Once
	exitErr   error
}

type invocation struct {
	ctx context.Context
	ch  chan wire.Frame
}

func newInstance(name string, stdin io.WriteCloser, registry *hostfunc.Registry, logger *zap.Logger) *Instance {
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("instance", name))

	i := &Instance{
		name:     name,
		registry: registry,
		logger:   logger,
		stdin:    stdin,
		outbox:   make(chan []byte, outboxSize),
		pending:  make(map[string]*invocation),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	i.stderr = newLineLogger(func(line string) {
		logger.Warn(line, zap.String("stream", "stderr"))
	})
	go i.pump()
	return i
}

func (i *Instance) Name() string {
	return i.name
}

// Ready is closed once the guest has signalled that its entry point is
// installed.
func (i *Instance) Ready() <-chan struct{} {
	return i.readyCh
}

// Done is closed when the guest stops running.
func (i *Instance) Done() <-chan struct{} {
	return i.doneCh
}

// Err returns why the guest stopped, or nil while it is running.
func (i *Instance) Err() error {
	select {
	case <-i.doneCh:
	default:
		return nil
	}
	if i.exitErr != nil {
		return fmt.Errorf("%w: %w", ErrModuleExited, i.exitErr)
	}
	return ErrModuleExited
}

// Available reports whether the guest is ready and still running.
func (i *Instance) Available() bool {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-i.doneCh:
		return false
	default:
	}
	select {
	case <-i.readyCh:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the guest signals readiness. A guest that stops
// first, or stays silent for longer than timeout, fails with
// ErrEntryPointUnavailable; a guest that could not be instantiated at all
// fails with ErrInstantiation.
func (i *Instance) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-i.readyCh:
		return nil
	case <-i.doneCh:
		select {
		case <-i.readyCh:
			return nil
		default:
		}
		var exit *sys.ExitError
		if i.exitErr != nil && !errors.As(i.exitErr, &exit) {
			return fmt.Errorf("%w: %w", ErrInstantiation, i.exitErr)
		}
		return fmt.Errorf("%w: module exited before signalling ready", ErrEntryPointUnavailable)
	case <-timer.C:
		return fmt.Errorf("%w: not ready after %v", ErrEntryPointUnavailable, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke sends req to the guest's entry point and waits for its response.
// When ctx ends first the guest is told to cancel the request.
func (i *Instance) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	id := uuid.NewString()
	inv := &invocation{ctx: ctx, ch: make(chan wire.Frame, 1)}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	i.pending[id] = inv
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
	}()

	r := *req
	if deadline, ok := ctx.Deadline(); ok {
		r.Deadline = deadline.UnixMilli()
	}

	if err := i.send(ctx, wire.Frame{Kind: wire.KindFetch, ID: id, Request: &r}); err != nil {
		return nil, i.abandoned(ctx, id, err)
	}

	select {
	case f := <-inv.ch:
		if f.Kind == wire.KindError {
			return nil, &GuestError{Message: f.Error}
		}
		if f.Response == nil {
			return nil, &GuestError{Message: "guest returned an empty response"}
		}
		return f.Response, nil
	case <-ctx.Done():
		return nil, i.abandoned(ctx, id, ctx.Err())
	case <-i.doneCh:
		return nil, i.Err()
	}
}

func (i *Instance) abandoned(ctx context.Context, id string, err error) error {
	if ctx.Err() == nil {
		return err
	}
	i.trySend(wire.Frame{Kind: wire.KindCancel, ID: id})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrInvocationTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (i *Instance) send(ctx context.Context, f wire.Frame) error {
	line, err := wire.EncodeLine(f)
	if err != nil {
		return err
	}
	select {
	case i.outbox <- line:
		return nil
	case <-i.doneCh:
		return i.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues f without waiting. Frames are dropped when the outbox is
// full or the guest has stopped.
func (i *Instance) trySend(f wire.Frame) {
	line, err := wire.EncodeLine(f)
	if err != nil {
		i.logger.Error("encode frame", zap.Error(err))
		return
	}
	select {
	case i.outbox <- line:
	case <-i.doneCh:
	default:
		i.logger.Warn("outbox full, dropping frame", zap.String("type", string(f.Kind)), zap.String("id", f.ID))
	}
}

// pump copies queued lines into the guest's stdin.
func (i *Instance) pump() {
	for {
		select {
		case line := <-i.outbox:
			if _, err := i.stdin.Write(line); err != nil {
				i.logger.Debug("stdin closed", zap.Error(err))
				return
			}
		case <-i.doneCh:
			return
		}
	}
}

// Write receives the guest's stderr.
func (i *Instance) Write(data []byte) (int, error) {
	i.splitMu.Lock()
	frames, text, bad := i.splitter.Feed(data)
	i.splitMu.Unlock()

	if len(text) > 0 {
		i.stderr.Write(text)
	}
	for _, err := range bad {
		i.logger.Warn("malformed frame", zap.Error(err))
	}
	for _, f := range frames {
		i.dispatch(f)
	}
	return len(data), nil
}

func (i *Instance) dispatch(f wire.Frame) {
	switch f.Kind {
	case wire.KindReady:
		i.readyOnce.Do(func() {
			i.logger.Info("entry point ready")
			close(i.readyCh)
		})
	case wire.KindResponse, wire.KindError:
		i.mu.Lock()
		inv := i.pending[f.ID]
		i.mu.Unlock()
		if inv == nil {
			i.logger.Debug("response for unknown request", zap.String("id", f.ID))
			return
		}
		select {
		case inv.ch <- f:
		default:
		}
	case wire.KindCall:
		go i.call(f)
	default:
		i.logger.Warn("unexpected frame", zap.String("type", string(f.Kind)))
	}
}

// call runs a host function for the guest. Calls made while handling a
// request run under that request's context.
func (i *Instance) call(f wire.Frame) {
	ctx := context.Background()
	if f.RID != "" {
		i.mu.Lock()
		if inv := i.pending[f.RID]; inv != nil {
			ctx = inv.ctx
		}
		i.mu.Unlock()
	}

	result := wire.Frame{Kind: wire.KindResult, ID: f.ID}
	fn, ok := i.registry.Get(f.Fn)
	if !ok {
		result.Error = "unknown function: " + f.Fn
	} else if data, err := fn(ctx, f.Args); err != nil {
		result.Error = err.Error()
	} else {
		result.Data = data
	}

	if err := i.send(ctx, result); err != nil {
		i.logger.Debug("drop host call result", zap.String("fn", f.Fn), zap.Error(err))
	}
}

// finish records that the guest stopped.
func (i *Instance) finish(err error) {
	i.doneOnce.Do(func() {
		i.exitErr = err
		close(i.doneCh)
		i.stderr.Flush()
		if err != nil {
			i.logger.Warn("instance exited", zap.Error(err))
		} else {
			i.logger.Info("instance exited")
		}
	})
}

func (i *Instance) stdoutWriter() io.Writer {
	return newLineLogger(func(line string) {
		i.logger.Info(line, zap.String("stream", "stdout"))
	})
}

// Close stops the guest and releases its runtime. Pending invocations fail
// with ErrModuleExited.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	if i.cancelRun != nil {
		i.cancelRun()
	}
	i.stdin.Close()

	var err error
	if i.runtime != nil {
		err = i.runtime.Close(ctx)
		select {
		case <-i.doneCh:
		case <-ctx.Done():
		}
	}
	i.finish(ErrClosed)
	return err
}
