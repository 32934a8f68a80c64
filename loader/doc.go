// Package loader runs a compiled WebAssembly module as a long-lived guest.
//
// # Overview
//
// A [Loader] owns one artifact (a file, embedded bytes, or a URL) and a
// compilation cache. Each call to [Loader.Start] builds a fresh wazero
// runtime with WASI, validates the module's shape, and starts its _start
// function on a goroutine. The returned [Instance] talks to the guest over
// its stdio using the frame protocol from the wire package.
//
//	l, err := loader.New(loader.File("app.wasm"),
//	    loader.WithRegistry(registry),
//	    loader.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close(ctx)
//
//	inst, err := l.Start(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	if err := inst.WaitReady(ctx, 5*time.Second); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := inst.Invoke(ctx, req)
//
// # Readiness
//
// A guest is ready once it writes a ready frame; the guest package does this
// when Serve starts. A guest that exits or stays silent fails WaitReady with
// [ErrEntryPointUnavailable].
//
// # Errors
//
// Failures wrap one of the package's sentinel errors so callers can
// classify them with errors.Is: [ErrValidation], [ErrInstantiation],
// [ErrEntryPointUnavailable], [ErrInvocationTimeout], [ErrInvocation] and
// [ErrModuleExited].
package loader
