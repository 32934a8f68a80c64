package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/caffeineduck/wasmshim/bootstrap"
	"github.com/caffeineduck/wasmshim/hostfunc"
	"github.com/caffeineduck/wasmshim/internal/config"
	"github.com/caffeineduck/wasmshim/internal/logging"
	"github.com/caffeineduck/wasmshim/loader"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "wasmshim",
	Short: "Serve HTTP from a WebAssembly module",
	Long: `wasmshim - Load a compiled WebAssembly module and forward HTTP requests to it.

The module is started lazily, waited on until it signals ready, and retried
with exponential backoff when it fails to come up. Requests that arrive while
it starts share one initialization.

Settings come from flags, WASMSHIM_* environment variables and an optional
config file (YAML or TOML), in that order of precedence.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML or TOML)")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the compilation cache")
	rootCmd.PersistentFlags().String("cache-dir", "", "Compilation and download cache directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json, console")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated")
}

// rootKeys maps persistent flags to config keys.
var rootKeys = map[string]string{
	"no-cache":   "no_cache",
	"cache-dir":  "cache_dir",
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-file":   "log.file",
}

// moduleKeys maps the flags shared by every command that boots a module.
var moduleKeys = map[string]string{
	"start-function": "start_function",
	"memory-limit":   "memory_limit_mb",
	"var":            "vars",
	"env":            "module_env",
	"allow-host":     "http.allow_hosts",
	"assets":         "assets.dir",
	"kv":             "kv.backend",
	"kv-path":        "kv.path",
	"max-attempts":   "init.max_attempts",
	"base-delay":     "init.base_delay",
	"settle-delay":   "init.settle_delay",
	"ready-timeout":  "init.ready_timeout",
	"fail-fast":      "init.fail_fast",
}

func addModuleFlags(fs *pflag.FlagSet) {
	fs.String("start-function", "_start", "Exported function that runs the module")
	fs.Int("memory-limit", 0, "Module memory limit in MB (0 = no limit)")
	fs.StringToString("var", nil, "Variable exposed to the module as env_get (repeatable, name=value)")
	fs.StringToString("env", nil, "WASI environment variable for the module (repeatable, name=value)")
	fs.StringSlice("allow-host", nil, "Allow outbound HTTP to host (repeatable)")
	fs.String("assets", "", "Directory served to the module as static assets")
	fs.String("kv", "memory", "KV store backend: memory, sqlite, none")
	fs.String("kv-path", "", "SQLite database path for --kv sqlite")
	fs.Int("max-attempts", bootstrap.DefaultMaxAttempts, "Initialization attempts before giving up")
	fs.Duration("base-delay", bootstrap.DefaultBaseDelay, "Backoff before the second attempt, doubled after each")
	fs.Duration("settle-delay", 0, "Wait after starting the module before looking for its entry point")
	fs.Duration("ready-timeout", bootstrap.DefaultReadyTimeout, "How long each attempt waits for the entry point")
	fs.Bool("fail-fast", false, "Stop retrying when the module fails validation")
}

// loadConfig builds the effective configuration for cmd. The first
// positional argument, if any, is the artifact.
func loadConfig(cmd *cobra.Command, args []string, keys ...map[string]string) (config.Config, error) {
	v := viper.New()

	for _, set := range append([]map[string]string{rootKeys}, keys...) {
		for name, key := range set {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	if len(args) > 0 {
		v.Set("artifact", args[0])
	}

	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*zap.Logger, error) {
	opts := cfg.Logging()
	opts.Console = cmd.ErrOrStderr()
	return logging.New(opts)
}

// module is a loader and its initializer, plus the KV store they share.
type module struct {
	loader    *loader.Loader
	lifecycle *bootstrap.Initializer
	kv        hostfunc.KVStore
}

func openModule(cfg config.Config, log *zap.Logger) (*module, error) {
	kv, err := cfg.OpenKV()
	if err != nil {
		return nil, fmt.Errorf("open kv: %w", err)
	}

	registry, err := cfg.Bindings(kv).Registry()
	if err != nil {
		closeKV(kv)
		return nil, err
	}

	l, err := loader.New(cfg.ArtifactSource(), cfg.LoaderOptions(registry, log)...)
	if err != nil {
		closeKV(kv)
		return nil, err
	}

	return &module{
		loader:    l,
		lifecycle: bootstrap.New(bootstrap.FromLoader(l), cfg.InitOptions(log)...),
		kv:        kv,
	}, nil
}

func (m *module) Close(ctx context.Context) error {
	return errors.Join(m.lifecycle.Close(ctx), m.loader.Close(ctx), closeKV(m.kv))
}

func closeKV(kv hostfunc.KVStore) error {
	if kv == nil {
		return nil
	}
	return kv.Close()
}
