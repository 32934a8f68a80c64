//go:build wasip1

// Command hello is a minimal guest for manual testing:
//
//	GOOS=wasip1 GOARCH=wasm go build -o hello.wasm ./guest/testdata/hello
//	wasmshim serve hello.wasm --assets ./public --var GREETING=hi
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/caffeineduck/wasmshim/guest"
)

func main() {
	mux := http.NewServeMux()

	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		env := guest.EnvFrom(r.Context())
		greeting, ok, err := env.Var(r.Context(), "GREETING")
		if err != nil || !ok {
			greeting = "hello"
		}

		visits := 0
		if v, ok, err := env.KVGet(r.Context(), "visits"); err == nil && ok {
			visits, _ = strconv.Atoi(v)
		}
		visits++
		env.KVPut(r.Context(), "visits", strconv.Itoa(visits))

		fmt.Fprintf(w, "%s, visitor %d\n", greeting, visits)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		asset, err := guest.EnvFrom(r.Context()).Asset(r.Context(), r.URL.Path)
		if err != nil || asset.Status != http.StatusOK {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", asset.ContentType)
		w.Write(asset.Body)
	})

	if err := guest.Serve(mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
