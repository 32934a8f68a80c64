// Package forwarder serves HTTP requests by handing them to the module's
// entry point.
//
// Every request first waits on the shared initializer. Once an instance is
// ready the request is converted to a [wire.Request] and invoked under a
// timeout. Failures never escape as panics or partial writes; each one maps to
// a plain-text response:
//
//	initialization failed          503, Retry-After: 5
//	entry point gone after init    503
//	invocation timed out           504
//	module runtime failure         503, Retry-After: 10
//	request body too large         413
//	anything else                  500
package forwarder

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caffeineduck/wasmshim/bootstrap"
	"github.com/caffeineduck/wasmshim/internal/metrics"
	"github.com/caffeineduck/wasmshim/wire"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Readier hands out a ready instance. *bootstrap.Initializer implements it.
type Readier interface {
	EnsureReady(ctx context.Context) (bootstrap.Instance, error)
}

// Forwarder is an http.Handler that forwards every request to the module.
type Forwarder struct {
	ready Readier
	cfg   config
}

func New(ready Readier, opts ...Option) *Forwarder {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Forwarder{ready: ready, cfg: cfg}
}

type result struct {
	resp *wire.Response
	err  error
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := middleware.GetReqID(r.Context())
	log := f.cfg.logger.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
	if reqID != "" {
		log = log.With(zap.String("request_id", reqID))
	}

	inst, err := f.ready.EnsureReady(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			f.done(log, start, failure{status: StatusClientClosedRequest, outcome: "cancelled"}, err)
			return
		}
		fail := failure{status: http.StatusServiceUnavailable, retryAfter: "5", message: msgInitFailed, outcome: "init_failed"}
		fail.write(w)
		f.done(log, start, fail, err)
		return
	}

	if !inst.Available() {
		fail := failure{status: http.StatusServiceUnavailable, message: msgNotReady, outcome: "not_ready"}
		fail.write(w)
		f.done(log, start, fail, nil)
		return
	}

	req, err := wire.FromHTTPRequest(r, f.cfg.maxBodyBytes)
	if err != nil {
		fail := failure{status: http.StatusBadRequest, message: msgBadRequest, outcome: "bad_request"}
		if errors.Is(err, wire.ErrBodyTooLarge) {
			fail = classify(err)
		}
		fail.write(w)
		f.done(log, start, fail, err)
		return
	}
	req.RequestID = reqID

	ctx, cancel := context.WithTimeout(r.Context(), f.cfg.timeout)
	defer cancel()

	// The handler answers as soon as ctx ends, even if the instance is slow
	// to notice; the instance still receives the cancellation.
	ch := make(chan result, 1)
	go func() {
		resp, err := inst.Invoke(ctx, req)
		ch <- result{resp, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	if res.err != nil {
		fail := classify(res.err)
		if r.Context().Err() != nil {
			fail = failure{status: StatusClientClosedRequest, outcome: "cancelled"}
		}
		if fail.status != StatusClientClosedRequest {
			fail.write(w)
		}
		f.done(log, start, fail, res.err)
		return
	}

	if err := res.resp.Write(w); err != nil {
		log.Debug("writing response", zap.Error(err))
	}
	metrics.ObserveInvocation("ok", time.Since(start))
	log.Debug("forwarded",
		zap.String("instance", inst.Name()),
		zap.Int("status", res.resp.Status),
		zap.Duration("duration", time.Since(start)))
}

func (f *Forwarder) done(log *zap.Logger, start time.Time, fail failure, err error) {
	elapsed := time.Since(start)
	metrics.ObserveInvocation(fail.outcome, elapsed)

	fields := []zap.Field{
		zap.Int("status", fail.status),
		zap.String("outcome", fail.outcome),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if fail.status >= http.StatusInternalServerError {
		log.Warn("request failed", fields...)
		return
	}
	log.Info("request rejected", fields...)
}
