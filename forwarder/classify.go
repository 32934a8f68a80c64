package forwarder

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/caffeineduck/wasmshim/bootstrap"
	"github.com/caffeineduck/wasmshim/loader"
	"github.com/caffeineduck/wasmshim/wire"
)

// StatusClientClosedRequest is logged when the client goes away before the
// module answers. Nothing is written back in that case.
const StatusClientClosedRequest = 499

const (
	msgInitFailed  = "Failed to initialize Go WASM runtime. Please try again in a few moments."
	msgNotReady    = "Go WASM runtime not properly initialized. Please refresh and try again."
	msgTimeout     = "Request timeout. The server took too long to respond."
	msgUnavailable = "Service temporarily unavailable. Please try again."
	msgUnexpected  = "An unexpected error occurred. Please try again."
	msgTooLarge    = "Request body too large."
	msgBadRequest  = "Malformed request."
)

// failure is the response chosen for an error.
type failure struct {
	status     int
	retryAfter string
	message    string
	outcome    string
}

// classify maps an invocation error onto a response. Typed errors decide
// first; guest messages fall back to matching on their text.
func classify(err error) failure {
	var initErr *bootstrap.InitializationError
	switch {
	case errors.Is(err, loader.ErrInvocationTimeout), errors.Is(err, context.DeadlineExceeded):
		return failure{status: http.StatusGatewayTimeout, message: msgTimeout, outcome: "timeout"}
	case errors.Is(err, context.Canceled):
		return failure{status: StatusClientClosedRequest, outcome: "cancelled"}
	case errors.As(err, &initErr):
		return failure{status: http.StatusServiceUnavailable, retryAfter: "5", message: msgInitFailed, outcome: "init_failed"}
	case errors.Is(err, wire.ErrBodyTooLarge):
		return failure{status: http.StatusRequestEntityTooLarge, message: msgTooLarge, outcome: "too_large"}
	case errors.Is(err, loader.ErrModuleExited),
		errors.Is(err, loader.ErrClosed),
		errors.Is(err, loader.ErrInstantiation),
		errors.Is(err, loader.ErrValidation),
		errors.Is(err, loader.ErrEntryPointUnavailable):
		return wasmFailure()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return failure{status: http.StatusGatewayTimeout, message: msgTimeout, outcome: "timeout"}
	case strings.Contains(msg, "wasm"):
		return wasmFailure()
	case strings.Contains(msg, "initializ"):
		return failure{status: http.StatusServiceUnavailable, retryAfter: "5", message: msgInitFailed, outcome: "init_failed"}
	}
	return failure{status: http.StatusInternalServerError, message: msgUnexpected, outcome: "error"}
}

func wasmFailure() failure {
	return failure{status: http.StatusServiceUnavailable, retryAfter: "10", message: msgUnavailable, outcome: "unavailable"}
}

func (f failure) write(w http.ResponseWriter) {
	if f.retryAfter != "" {
		w.Header().Set("Retry-After", f.retryAfter)
	}
	http.Error(w, f.message, f.status)
}
