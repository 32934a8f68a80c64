// Package server exposes the forwarder over HTTP alongside health, readiness
// and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caffeineduck/wasmshim/bootstrap"
	"github.com/caffeineduck/wasmshim/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Lifecycle is the part of the initializer the server drives.
type Lifecycle interface {
	EnsureReady(ctx context.Context) (bootstrap.Instance, error)
	State() bootstrap.State
	Attempts() int
	Reset(ctx context.Context) error
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	// OpsPrefix moves /healthz, /readyz and /metrics under a path prefix
	// such as "/_wasmshim", leaving the bare paths to the module.
	OpsPrefix string
	// Eager starts initialization as soon as the server runs.
	Eager  bool
	Logger *zap.Logger
}

// Server wraps the chi router and the module lifecycle.
type Server struct {
	router    *chi.Mux
	lifecycle Lifecycle
	opts      Options
	logger    *zap.Logger
}

// New builds the router: /healthz, /readyz and /metrics (under OpsPrefix)
// are served locally, every other path goes to forward.
func New(lifecycle Lifecycle, forward http.Handler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		lifecycle: lifecycle,
		opts:      opts,
		logger:    logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.Middleware)
	if len(opts.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	prefix := normalizePrefix(opts.OpsPrefix)
	s.router.Get(prefix+"/healthz", s.handleHealthz)
	s.router.Get(prefix+"/readyz", s.handleReadyz)
	s.router.Handle(prefix+"/metrics", metrics.Handler())
	s.router.Handle("/*", forward)

	return s
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

type readiness struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.lifecycle.State()
	status := http.StatusServiceUnavailable
	if state == bootstrap.Ready {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(readiness{State: state.String(), Attempts: s.lifecycle.Attempts()})
}

// Run listens on the configured address until SIGINT or SIGTERM. SIGHUP
// resets the lifecycle so the next request reloads the module.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				s.logger.Info("reload requested")
				if err := s.lifecycle.Reset(ctx); err != nil {
					s.logger.Warn("reset", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return s.Serve(ctx, ln)
}

// Serve handles connections on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if s.opts.Eager {
		go func() {
			if _, err := s.lifecycle.EnsureReady(ctx); err != nil {
				s.logger.Warn("eager initialization failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
