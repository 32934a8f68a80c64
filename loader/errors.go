package loader

import "errors"

var (
	ErrValidation            = errors.New("wasm validation failed")
	ErrInstantiation         = errors.New("wasm instantiation failed")
	ErrEntryPointUnavailable = errors.New("entry point unavailable")
	ErrInvocationTimeout     = errors.New("invocation timeout")
	ErrInvocation            = errors.New("invocation failed")
	ErrModuleExited          = errors.New("wasm module exited")
	ErrClosed                = errors.New("instance closed")
)

// GuestError is a failure reported by the guest's handler in an error frame.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string {
	return e.Message
}

func (e *GuestError) Is(target error) bool {
	return target == ErrInvocation
}
