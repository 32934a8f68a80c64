package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrBodyTooLarge is returned when a request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Request is an HTTP request as seen by the guest.
type Request struct {
	Method    string              `json:"method"`
	URL       string              `json:"url"`
	Header    map[string][]string `json:"header,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	// Deadline is the host-side deadline in Unix milliseconds, zero if none.
	Deadline int64 `json:"deadline,omitempty"`
}

// Response is the guest's answer to a Request.
type Response struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body,omitempty"`
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FromHTTPRequest captures r, reading at most maxBody bytes of its body.
// A maxBody of zero or less disables the limit.
func FromHTTPRequest(r *http.Request, maxBody int64) (*Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if maxBody > 0 && int64(len(data)) > maxBody {
			return nil, ErrBodyTooLarge
		}
		body = data
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host

	header := r.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return &Request{
		Method: r.Method,
		URL:    u.String(),
		Header: header,
		Body:   body,
	}, nil
}

// HTTPRequest rebuilds an *http.Request bound to ctx. If the request carries
// a deadline, the returned cancel func must be called to release it.
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if r.Deadline > 0 {
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(r.Deadline))
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = http.Header(r.Header).Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.ContentLength = int64(len(r.Body))
	if req.URL != nil {
		req.Host = req.URL.Host
	}
	req.RequestURI = req.URL.RequestURI()
	return req, cancel, nil
}

// Write copies the response onto w.
func (r *Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range r.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.Del("Content-Length")

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if len(r.Body) == 0 {
		w.WriteHeader(status)
		return nil
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}
