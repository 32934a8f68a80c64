package hostfunc

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/caffeineduck/wasmshim/wire"
)

// Vars is the plain-string part of the environment.
type Vars map[string]string

// Get returns the "name" variable, or nil when unset.
func (v Vars) Get(_ context.Context, args map[string]any) (any, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, errors.New("name required")
	}
	val, ok := v[name]
	if !ok {
		return nil, nil
	}
	return val, nil
}

// Env configures the bindings handed to a guest. Zero-valued parts are left
// out of the registry, so a guest sees "unknown function" for them.
type Env struct {
	Vars         map[string]string
	KV           KVStore
	KVConfig     KVConfig
	AssetsDir    string
	MaxAssetSize int64
	HTTP         HTTPConfig
	Extra        map[string]Func
}

// Registry builds a registry with every configured binding.
func (e Env) Registry() (*Registry, error) {
	registry := NewRegistry()

	registry.Register(wire.FnTimeNow, func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	vars := Vars(maps.Clone(e.Vars))
	if vars == nil {
		vars = Vars{}
	}
	registry.Register(wire.FnEnvGet, vars.Get)

	if e.KV != nil {
		kv := NewKV(e.KV, e.KVConfig)
		registry.Register(wire.FnKVGet, kv.Get)
		registry.Register(wire.FnKVPut, kv.Put)
		registry.Register(wire.FnKVDelete, kv.Delete)
		registry.Register(wire.FnKVList, kv.List)
	}

	if e.AssetsDir != "" {
		assets, err := NewAssets(e.AssetsDir, e.MaxAssetSize)
		if err != nil {
			return nil, err
		}
		registry.Register(wire.FnAssetFetch, assets.Fetch)
	}

	if len(e.HTTP.AllowedHosts) > 0 {
		registry.Register(wire.FnHTTPRequest, NewHTTP(e.HTTP).Request)
	}

	for name, fn := range e.Extra {
		registry.Register(name, fn)
	}

	return registry, nil
}
