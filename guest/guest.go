// Package guest is the module-side half of the wasmshim protocol. A Go
// program built with GOOS=wasip1 GOARCH=wasm calls Serve with an
// http.Handler; the host then forwards every inbound request to it.
//
//	func main() {
//	    mux := http.NewServeMux()
//	    mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
//	        env := guest.EnvFrom(r.Context())
//	        origin, _, _ := env.Var(r.Context(), "ORIGIN")
//	        fmt.Fprintf(w, "hello from %s", origin)
//	    })
//	    if err := guest.Serve(mux); err != nil {
//	        os.Exit(1)
//	    }
//	}
//
// Serve announces readiness as soon as it starts reading requests, so the
// host never has to poll for the entry point.
package guest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/wasmshim/wire"
)

// MaxFrameSize bounds a single host-to-guest line, request body included.
const MaxFrameSize = 64 << 20

// Serve answers requests arriving on stdin until stdin is closed.
func Serve(h http.Handler) error {
	return ServeIO(context.Background(), stdin(), stderr(), h)
}

// ServeIO is Serve over explicit streams: frames are read from in and
// written to out.
func ServeIO(ctx context.Context, in io.Reader, out io.Writer, h http.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		out:      out,
		handler:  h,
		inflight: make(map[string]context.CancelFunc),
		calls:    make(map[string]chan wire.Frame),
	}

	if err := c.write(wire.Frame{Kind: wire.KindReady}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		f, err := wire.DecodeLine(scanner.Bytes())
		if err != nil {
			continue
		}

		switch f.Kind {
		case wire.KindFetch:
			c.fetch(ctx, f)
		case wire.KindCancel:
			c.cancel(f.ID)
		case wire.KindResult:
			c.result(f)
		}
	}

	// Stdin is gone, so no result frames can arrive for pending host calls.
	cancel()
	c.wg.Wait()
	return scanner.Err()
}

type conn struct {
	out     io.Writer
	writeMu sync.Mutex
	handler http.Handler

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	calls    map[string]chan wire.Frame
	seq      atomic.Uint64

	wg sync.WaitGroup
}

func (c *conn) write(f wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.out.Write(data)
	return err
}

func (c *conn) fetch(ctx context.Context, f wire.Frame) {
	if f.Request == nil {
		c.write(wire.Frame{Kind: wire.KindError, ID: f.ID, Error: "fetch frame without request"})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[f.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, f.ID)
			c.mu.Unlock()
			cancel()
		}()

		resp, err := c.serve(ctx, f.ID, f.Request)
		if err != nil {
			c.write(wire.Frame{Kind: wire.KindError, ID: f.ID, Error: err.Error()})
			return
		}
		c.write(wire.Frame{Kind: wire.KindResponse, ID: f.ID, Response: resp})
	}()
}

func (c *conn) serve(ctx context.Context, id string, req *wire.Request) (resp *wire.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	ctx = context.WithValue(ctx, envKey{}, &Env{conn: c, rid: id})
	r, cancel, err := req.HTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	w := newRecorder()
	c.handler.ServeHTTP(w, r)
	return w.response(), nil
}

func (c *conn) cancel(id string) {
	c.mu.Lock()
	cancel := c.inflight[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *conn) result(f wire.Frame) {
	c.mu.Lock()
	ch := c.calls[f.ID]
	delete(c.calls, f.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

// call invokes a host function and waits for its result frame.
func (c *conn) call(ctx context.Context, rid, fn string, args map[string]any) (any, error) {
	id := "c" + strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan wire.Frame, 1)

	c.mu.Lock()
	c.calls[id] = ch
	c.mu.Unlock()

	if err := c.write(wire.Frame{Kind: wire.KindCall, ID: id, RID: rid, Fn: fn, Args: args}); err != nil {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, &HostError{Fn: fn, Message: f.Error}
		}
		return f.Data, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HostError is a failure reported by a host function.
type HostError struct {
	Fn      string
	Message string
}

func (e *HostError) Error() string {
	return e.Fn + ": " + e.Message
}
