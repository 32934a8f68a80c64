package guest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caffeineduck/wasmshim/wire"
)

// ErrNoEnv is returned by Env methods outside a request served by Serve.
var ErrNoEnv = errors.New("guest: no environment in context")

type envKey struct{}

// Env exposes the host's bindings to a handler.
type Env struct {
	conn *conn
	rid  string
}

// EnvFrom returns the environment attached to a request context. It never
// returns nil; outside Serve every call fails with ErrNoEnv.
func EnvFrom(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok {
		return env
	}
	return &Env{}
}

// Call invokes a named host function.
func (e *Env) Call(ctx context.Context, fn string, args map[string]any) (any, error) {
	if e.conn == nil {
		return nil, ErrNoEnv
	}
	if args == nil {
		args = map[string]any{}
	}
	return e.conn.call(ctx, e.rid, fn, args)
}

// Var returns a configured variable.
func (e *Env) Var(ctx context.Context, name string) (string, bool, error) {
	v, err := e.Call(ctx, wire.FnEnvGet, map[string]any{"name": name})
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	return s, ok, nil
}

// Now returns the host's clock.
func (e *Env) Now(ctx context.Context) (time.Time, error) {
	v, err := e.Call(ctx, wire.FnTimeNow, nil)
	if err != nil {
		return time.Time{}, err
	}
	secs, ok := v.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("time_now: unexpected result %T", v)
	}
	return time.Unix(0, int64(secs*1e9)), nil
}

func (e *Env) KVGet(ctx context.Context, key string) (string, bool, error) {
	v, err := e.Call(ctx, wire.FnKVGet, map[string]any{"key": key})
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (e *Env) KVPut(ctx context.Context, key, value string) error {
	_, err := e.Call(ctx, wire.FnKVPut, map[string]any{"key": key, "value": value})
	return err
}

func (e *Env) KVDelete(ctx context.Context, key string) error {
	_, err := e.Call(ctx, wire.FnKVDelete, map[string]any{"key": key})
	return err
}

// KVList returns up to limit keys starting with prefix. A limit of zero uses
// the host's maximum.
func (e *Env) KVList(ctx context.Context, prefix string, limit int) ([]string, error) {
	args := map[string]any{"prefix": prefix}
	if limit > 0 {
		args["limit"] = limit
	}
	v, err := e.Call(ctx, wire.FnKVList, args)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// Asset is a static file served by the host.
type Asset struct {
	Status      int
	ContentType string
	Body        []byte
}

// Asset fetches a static file. Missing files come back with Status 404.
func (e *Env) Asset(ctx context.Context, path string) (*Asset, error) {
	v, err := e.Call(ctx, wire.FnAssetFetch, map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("asset_fetch: unexpected result %T", v)
	}

	a := &Asset{Status: intValue(m["status"])}
	a.ContentType, _ = m["content_type"].(string)
	if a.Body, err = bytesValue(m["body"]); err != nil {
		return nil, fmt.Errorf("asset_fetch: %w", err)
	}
	return a, nil
}

// Fetch performs an outbound request through the host. Only hosts the
// operator allowed are reachable.
func (e *Env) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	args := map[string]any{
		"method": req.Method,
		"url":    req.URL.String(),
	}

	if len(req.Header) > 0 {
		headers := make(map[string]any, len(req.Header))
		for k, vs := range req.Header {
			list := make([]any, len(vs))
			for n, v := range vs {
				list[n] = v
			}
			headers[k] = list
		}
		args["headers"] = headers
	}

	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			args["body"] = base64.StdEncoding.EncodeToString(body)
			args["body_base64"] = true
		}
	}

	v, err := e.Call(ctx, wire.FnHTTPRequest, args)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("http_request: unexpected result %T", v)
	}

	body, err := bytesValue(m["body"])
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}
	status := intValue(m["status"])

	header := make(http.Header)
	if hs, ok := m["headers"].(map[string]any); ok {
		for k, vs := range hs {
			list, _ := vs.([]any)
			for _, v := range list {
				if s, ok := v.(string); ok {
					header.Add(k, s)
				}
			}
		}
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// bytesValue decodes a []byte result, which JSON carries as base64.
func bytesValue(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return base64.StdEncoding.DecodeString(b)
	}
	return nil, fmt.Errorf("unexpected body type %T", v)
}
