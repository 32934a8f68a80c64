package main

import (
	"context"
	"time"

	"github.com/caffeineduck/wasmshim/forwarder"
	"github.com/caffeineduck/wasmshim/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve <artifact>",
	Short: "Start the HTTP server in front of a module",
	Long: `Start an HTTP server that forwards every request to the module.

The artifact is a .wasm file path or an http(s) URL, which is downloaded once
and cached.

Endpoints:
  GET    /healthz     Liveness
  GET    /readyz      200 once the module is ready, 503 before
  GET    /metrics     Prometheus metrics
  *      /*           Forwarded to the module

With --ops-prefix /_wasmshim the first three move to /_wasmshim/healthz and
so on, and the bare paths are forwarded to the module as well.

Send SIGHUP to drop the running module; the next request starts it again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

var serveKeys = map[string]string{
	"listen":       "listen",
	"ops-prefix":   "ops_prefix",
	"timeout":      "forward.timeout",
	"max-body":     "forward.max_body_bytes",
	"cors-origin":  "cors.allowed_origins",
	"eager":        "init.eager",
	"http-timeout": "http.request_timeout",
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().String("ops-prefix", "", "Path prefix for /healthz, /readyz and /metrics")
	serveCmd.Flags().Duration("timeout", forwarder.DefaultTimeout, "Per-request invocation timeout")
	serveCmd.Flags().Int64("max-body", forwarder.DefaultMaxBodyBytes, "Max inbound request body in bytes")
	serveCmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origin (repeatable)")
	serveCmd.Flags().Bool("eager", false, "Start the module at launch instead of on the first request")
	serveCmd.Flags().Duration("http-timeout", 30*time.Second, "Timeout for outbound HTTP made by the module")
	addModuleFlags(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args, moduleKeys, serveKeys)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mod, err := openModule(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mod.Close(ctx); err != nil {
			log.Warn("close module", zap.Error(err))
		}
	}()

	log.Info("starting",
		zap.String("artifact", cfg.Artifact),
		zap.String("listen", cfg.Listen),
		zap.Int("max_attempts", cfg.Init.MaxAttempts),
		zap.Duration("timeout", cfg.Forward.Timeout))

	srv := server.New(mod.lifecycle, forwarder.New(mod.lifecycle, cfg.ForwarderOptions(log)...), server.Options{
		Addr:           cfg.Listen,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		OpsPrefix:      cfg.OpsPrefix,
		Eager:          cfg.Init.Eager,
		Logger:         log,
	})
	return srv.Run(cmd.Context())
}
