// Package config loads the shim's settings from a config file, WASMSHIM_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caffeineduck/wasmshim/bootstrap"
	"github.com/caffeineduck/wasmshim/forwarder"
	"github.com/caffeineduck/wasmshim/hostfunc"
	"github.com/caffeineduck/wasmshim/internal/logging"
	"github.com/caffeineduck/wasmshim/loader"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "WASMSHIM"

type Config struct {
	Listen        string            `mapstructure:"listen"`
	OpsPrefix     string            `mapstructure:"ops_prefix"`
	Artifact      string            `mapstructure:"artifact"`
	CacheDir      string            `mapstructure:"cache_dir"`
	NoCache       bool              `mapstructure:"no_cache"`
	StartFunction string            `mapstructure:"start_function"`
	MemoryLimitMB int               `mapstructure:"memory_limit_mb"`
	Args          []string          `mapstructure:"args"`
	ModuleEnv     map[string]string `mapstructure:"module_env"`

	Init    Init              `mapstructure:"init"`
	Forward Forward           `mapstructure:"forward"`
	Vars    map[string]string `mapstructure:"vars"`
	KV      KV                `mapstructure:"kv"`
	Assets  Assets            `mapstructure:"assets"`
	HTTP    HTTP              `mapstructure:"http"`
	CORS    CORS              `mapstructure:"cors"`
	Log     Log               `mapstructure:"log"`
}

type Init struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	FailFast     bool          `mapstructure:"fail_fast"`
	// Eager starts initialization when the server starts instead of on the
	// first request.
	Eager bool `mapstructure:"eager"`
}

type Forward struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type KV struct {
	// Backend is "memory", "sqlite" or "none".
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	MaxEntries   int    `mapstructure:"max_entries"`
	MaxKeySize   int    `mapstructure:"max_key_size"`
	MaxValueSize int    `mapstructure:"max_value_size"`
	MaxListKeys  int    `mapstructure:"max_list_keys"`
}

type Assets struct {
	Dir     string `mapstructure:"dir"`
	MaxSize int64  `mapstructure:"max_size"`
}

type HTTP struct {
	AllowHosts     []string      `mapstructure:"allow_hosts"`
	MaxBodySize    int64         `mapstructure:"max_body_size"`
	MaxURLLength   int           `mapstructure:"max_url_length"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to environment lookups, so all of them are listed here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("ops_prefix", "")
	v.SetDefault("artifact", "")
	v.SetDefault("cache_dir", loader.DefaultCacheDir())
	v.SetDefault("no_cache", false)
	v.SetDefault("start_function", "_start")
	v.SetDefault("memory_limit_mb", 0)
	v.SetDefault("args", []string{})
	v.SetDefault("module_env", map[string]string{})

	v.SetDefault("init.max_attempts", bootstrap.DefaultMaxAttempts)
	v.SetDefault("init.base_delay", bootstrap.DefaultBaseDelay)
	v.SetDefault("init.settle_delay", time.Duration(0))
	v.SetDefault("init.ready_timeout", bootstrap.DefaultReadyTimeout)
	v.SetDefault("init.fail_fast", false)
	v.SetDefault("init.eager", false)

	v.SetDefault("forward.timeout", forwarder.DefaultTimeout)
	v.SetDefault("forward.max_body_bytes", forwarder.DefaultMaxBodyBytes)

	v.SetDefault("vars", map[string]string{})

	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.path", "")
	v.SetDefault("kv.max_entries", 10000)
	v.SetDefault("kv.max_key_size", hostfunc.DefaultMaxKeySize)
	v.SetDefault("kv.max_value_size", hostfunc.DefaultMaxValueSize)
	v.SetDefault("kv.max_list_keys", hostfunc.DefaultMaxListKeys)

	v.SetDefault("assets.dir", "")
	v.SetDefault("assets.max_size", 10<<20)

	v.SetDefault("http.allow_hosts", []string{})
	v.SetDefault("http.max_body_size", hostfunc.DefaultMaxBodySize)
	v.SetDefault("http.max_url_length", hostfunc.DefaultMaxURLLength)
	v.SetDefault("http.request_timeout", hostfunc.DefaultRequestTimeout)

	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Load reads file (if non-empty) and the environment into a Config. Flags
// must already be bound to v.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks what the server needs before it can start.
func (c Config) Validate() error {
	var errs []error
	if c.Artifact == "" {
		errs = append(errs, errors.New("artifact is required"))
	}
	switch c.KV.Backend {
	case "memory", "none", "":
	case "sqlite":
		if c.KV.Path == "" {
			errs = append(errs, errors.New("kv.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("kv.backend %q: want memory, sqlite or none", c.KV.Backend))
	}
	if c.MemoryLimitMB < 0 {
		errs = append(errs, errors.New("memory_limit_mb must not be negative"))
	}
	return errors.Join(errs...)
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
	}
}

// OpenKV opens the configured store, or returns nil for "none".
func (c Config) OpenKV() (hostfunc.KVStore, error) {
	switch c.KV.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		store, err := hostfunc.NewSQLiteStore(c.KV.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return hostfunc.NewMemoryStore(c.KV.MaxEntries), nil
}

// Bindings describes what the module may reach through host functions.
func (c Config) Bindings(kv hostfunc.KVStore) hostfunc.Env {
	return hostfunc.Env{
		Vars: c.Vars,
		KV:   kv,
		KVConfig: hostfunc.KVConfig{
			MaxKeySize:   c.KV.MaxKeySize,
			MaxValueSize: c.KV.MaxValueSize,
			MaxListKeys:  c.KV.MaxListKeys,
		},
		AssetsDir:    c.Assets.Dir,
		MaxAssetSize: c.Assets.MaxSize,
		HTTP: hostfunc.HTTPConfig{
			AllowedHosts:   c.HTTP.AllowHosts,
			MaxBodySize:    c.HTTP.MaxBodySize,
			MaxURLLength:   c.HTTP.MaxURLLength,
			RequestTimeout: c.HTTP.RequestTimeout,
		},
	}
}

func (c Config) ArtifactSource() loader.Artifact {
	return loader.ParseArtifact(c.Artifact, c.CacheDir)
}

func (c Config) LoaderOptions(registry *hostfunc.Registry, log *zap.Logger) []loader.Option {
	opts := []loader.Option{
		loader.WithStartFunction(c.StartFunction),
		loader.WithArgs(c.Args...),
		loader.WithEnv(c.ModuleEnv),
		loader.WithRegistry(registry),
		loader.WithLogger(log),
	}
	if !c.NoCache {
		opts = append(opts, loader.WithDiskCache(c.CacheDir))
	}
	if c.MemoryLimitMB > 0 {
		// 16 wasm pages per MiB.
		opts = append(opts, loader.WithMemoryLimit(uint32(c.MemoryLimitMB)*16))
	}
	return opts
}

func (c Config) InitOptions(log *zap.Logger) []bootstrap.Option {
	return []bootstrap.Option{
		bootstrap.WithMaxAttempts(c.Init.MaxAttempts),
		bootstrap.WithBaseDelay(c.Init.BaseDelay),
		bootstrap.WithSettleDelay(c.Init.SettleDelay),
		bootstrap.WithReadyTimeout(c.Init.ReadyTimeout),
		bootstrap.WithFailFast(c.Init.FailFast),
		bootstrap.WithLogger(log),
	}
}

func (c Config) ForwarderOptions(log *zap.Logger) []forwarder.Option {
	return []forwarder.Option{
		forwarder.WithTimeout(c.Forward.Timeout),
		forwarder.WithMaxBodyBytes(c.Forward.MaxBodyBytes),
		forwarder.WithLogger(log),
	}
}
