// Package hostfunc provides the environment bindings a guest module can
// reach from inside the sandbox.
//
// A guest has no implicit access to the host. Everything it may touch is a
// named host function in a [Registry], invoked over the stdio protocol with
// JSON arguments. The bindings mirror what an edge worker receives in its
// env bag:
//
//   - vars: plain configuration strings via [Vars]
//   - KV: a key-value namespace via [KV], backed by [MemoryStore] or
//     [SQLiteStore]
//   - ASSETS: read-only static files via [Assets]
//   - outbound fetch: HTTP to allow-listed hosts via [HTTP]
//
// [Env] bundles the configuration of all of them and builds a ready
// registry:
//
//	env := hostfunc.Env{
//	    Vars:      map[string]string{"ORIGIN": "https://example.com"},
//	    KV:        hostfunc.NewMemoryStore(),
//	    AssetsDir: "./public",
//	    HTTP:      hostfunc.HTTPConfig{AllowedHosts: []string{"example.com"}},
//	}
//	registry := env.Registry()
//
// # Security Model
//
// All host functions follow the principle of least privilege:
//   - HTTP requests are limited to explicitly allowed hosts
//   - assets are read-only and confined to one directory
//   - KV keys and values have configurable size limits
package hostfunc
