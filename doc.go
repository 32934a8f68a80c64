// Package wasmshim serves HTTP from a compiled WebAssembly module.
//
// # Overview
//
// A module is loaded with wazero, started on demand and waited on until it
// signals that its entry point is ready. Concurrent requests that arrive
// during startup share one initialization; failed attempts are retried with
// exponential backoff. Every request is then forwarded to the module under a
// timeout, and failures become plain-text 5xx responses.
//
// # Basic Usage
//
//	l, _ := loader.New(loader.File("app.wasm"), loader.WithDiskCache())
//	defer l.Close(ctx)
//
//	ready := bootstrap.New(bootstrap.FromLoader(l))
//	defer ready.Close(ctx)
//
//	http.ListenAndServe(":8080", forwarder.New(ready))
//
// # Writing a Module
//
// Modules are ordinary Go programs built for wasip1 that hand an
// http.Handler to the guest SDK:
//
//	func main() {
//	    guest.Serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        fmt.Fprintln(w, "hello")
//	    }))
//	}
//
// # Bindings
//
// Host functions give a module controlled access to variables, a key-value
// store, static assets and outbound HTTP:
//
//	env := hostfunc.Env{
//	    Vars: map[string]string{"GREETING": "hi"},
//	    KV:   hostfunc.NewMemoryStore(),
//	    HTTP: hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}},
//	}
//	registry, _ := env.Registry()
//	l, _ := loader.New(loader.File("app.wasm"), loader.WithRegistry(registry))
//
// See the [loader], [bootstrap], [forwarder], [guest], [hostfunc], and [wire]
// packages for detailed API documentation.
package wasmshim
