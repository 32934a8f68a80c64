package guest

import (
	"bytes"
	"net/http"

	"github.com/caffeineduck/wasmshim/wire"
)

// recorder is the http.ResponseWriter handed to guest handlers.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) response() *wire.Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	if r.header.Get("Content-Type") == "" && r.body.Len() > 0 {
		r.header.Set("Content-Type", http.DetectContentType(r.body.Bytes()))
	}
	return &wire.Response{
		Status: status,
		Header: r.header,
		Body:   r.body.Bytes(),
	}
}
