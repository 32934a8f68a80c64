package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/caffeineduck/wasmshim/loader"
	"github.com/caffeineduck/wasmshim/wire"
)

// State is the initializer's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	// Failed is terminal until Reset: every attempt was used up.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Instance is a started module as seen by the initializer and the forwarder.
type Instance interface {
	Name() string
	WaitReady(ctx context.Context, timeout time.Duration) error
	Available() bool
	Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error)
	Close(ctx context.Context) error
}

// Source starts a fresh instance per attempt.
type Source interface {
	Start(ctx context.Context) (Instance, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Instance, error)

func (f SourceFunc) Start(ctx context.Context) (Instance, error) {
	return f(ctx)
}

// FromLoader adapts a loader to Source.
func FromLoader(l *loader.Loader) Source {
	return SourceFunc(func(ctx context.Context) (Instance, error) {
		inst, err := l.Start(ctx)
		if err != nil {
			return nil, err
		}
		return inst, nil
	})
}

// InitializationError is returned once every attempt has failed.
type InitializationError struct {
	Attempts int
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("WASM initialization failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
