// Package wire defines the stdio protocol spoken between the host and a
// guest module.
//
// The host writes newline-delimited JSON frames to the guest's stdin. The
// guest answers on stderr with frames wrapped as \x00SHIM:{json}\x00 so they
// can be interleaved with ordinary log output. Everything on stderr outside a
// frame is treated as guest logging.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame markers used on the guest's stderr.
const (
	FramePrefix = "\x00SHIM:"
	FrameSuffix = "\x00"
)

// Kind identifies the purpose of a frame.
type Kind string

const (
	// Guest to host.
	KindReady    Kind = "ready"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindCall     Kind = "call"

	// Host to guest.
	KindFetch  Kind = "fetch"
	KindCancel Kind = "cancel"
	KindResult Kind = "result"
)

// Host function names exposed to guests as environment bindings.
const (
	FnTimeNow     = "time_now"
	FnEnvGet      = "env_get"
	FnKVGet       = "kv_get"
	FnKVPut       = "kv_put"
	FnKVDelete    = "kv_delete"
	FnKVList      = "kv_list"
	FnAssetFetch  = "asset_fetch"
	FnHTTPRequest = "http_request"
)

// Frame is the single envelope for every message in either direction.
//
// ID correlates fetch/response/error frames and call/result frames. RID is
// set on call frames issued while handling a request and names the fetch
// they belong to, so the host can run the call under that request's context.
type Frame struct {
	Kind     Kind           `json:"type"`
	ID       string         `json:"id,omitempty"`
	RID      string         `json:"rid,omitempty"`
	Request  *Request       `json:"request,omitempty"`
	Response *Response      `json:"response,omitempty"`
	Fn       string         `json:"fn,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// EncodeLine encodes f as a host-to-guest line.
func EncodeLine(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return append(data, '\n'), nil
}

// DecodeLine decodes one host-to-guest line. Trailing newlines are ignored.
func DecodeLine(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// EncodeFrame encodes f as a guest-to-host stderr frame.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	out := make([]byte, 0, len(FramePrefix)+len(data)+len(FrameSuffix))
	out = append(out, FramePrefix...)
	out = append(out, data...)
	return append(out, FrameSuffix...), nil
}
