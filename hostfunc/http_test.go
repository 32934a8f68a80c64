package hostfunc

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPBlockedWhenNoHosts(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: nil})
	_, err := h.Request(context.Background(), map[string]any{"url": "https://example.com"})
	if err == nil || err.Error() != "http not enabled" {
		t.Errorf("expected 'http not enabled', got %v", err)
	}
}

func TestHTTPBlockedForUnallowedHost(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := h.Request(context.Background(), map[string]any{"url": "https://evil.com"})
	if err == nil || err.Error() != "host not allowed: evil.com" {
		t.Errorf("expected 'host not allowed', got %v", err)
	}
}

func TestHTTPBypassQueryParam(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := h.Request(context.Background(), map[string]any{"url": "https://evil.com/?x=allowed.com"})
	if err == nil || err.Error() != "host not allowed: evil.com" {
		t.Errorf("query param bypass should be blocked, got %v", err)
	}
}

func TestHTTPBypassSubdomainSuffix(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := h.Request(context.Background(), map[string]any{"url": "https://allowed.com.evil.com/"})
	if err == nil || err.Error() != "host not allowed: allowed.com.evil.com" {
		t.Errorf("subdomain suffix bypass should be blocked, got %v", err)
	}
}

func TestHTTPUnsupportedMethod(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := h.Request(context.Background(), map[string]any{"url": "https://example.com", "method": "TRACE"})
	if err == nil || err.Error() != "unsupported method: TRACE" {
		t.Errorf("expected unsupported method error, got %v", err)
	}
}

func TestHTTPAllowsExactHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	result, err := h.Request(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := result.(map[string]any)
	if data["status"].(int) != 200 {
		t.Errorf("expected status 200, got %v", data["status"])
	}
	if string(data["body"].([]byte)) != `{"ok": true}` {
		t.Errorf("unexpected body %q", data["body"])
	}
	headers := data["headers"].(map[string][]string)
	if headers["X-Upstream"][0] != "yes" {
		t.Errorf("expected upstream header, got %v", headers)
	}
}

func TestHTTPSendsBase64Body(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		if r.Header.Get("X-Multi") == "" {
			t.Error("expected header to be forwarded")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	payload := []byte{0x00, 0x01, 0xfe}
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	result, err := h.Request(context.Background(), map[string]any{
		"method":      "post",
		"url":         server.URL,
		"body":        base64.StdEncoding.EncodeToString(payload),
		"body_base64": true,
		"headers":     map[string]any{"X-Multi": []any{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(map[string]any)["status"].(int) != http.StatusCreated {
		t.Errorf("expected 201, got %v", result)
	}
	if string(received) != string(payload) {
		t.Errorf("expected decoded body, got %v", received)
	}
}

func TestHTTPMissingURL(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := h.Request(context.Background(), map[string]any{})
	if err == nil || err.Error() != "url required" {
		t.Errorf("expected 'url required', got %v", err)
	}
}

func TestHTTPInvalidURL(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := h.Request(context.Background(), map[string]any{"url": "://invalid"})
	if err == nil || err.Error() != "invalid url" {
		t.Errorf("expected 'invalid url', got %v", err)
	}
}

// Security tests

func TestHTTPURLTooLong(t *testing.T) {
	h := NewHTTP(HTTPConfig{
		AllowedHosts: []string{"example.com"},
		MaxURLLength: 100,
	})

	longURL := "https://example.com/" + string(make([]byte, 200))
	_, err := h.Request(context.Background(), map[string]any{"url": longURL})
	if err == nil || err.Error() != "url exceeds max length" {
		t.Errorf("expected 'url exceeds max length' error, got %v", err)
	}
}

func TestHTTPRequestBodyTooLarge(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}, MaxBodySize: 4})
	_, err := h.Request(context.Background(), map[string]any{
		"method": "POST",
		"url":    "https://example.com/",
		"body":   "too large",
	})
	if err == nil || err.Error() != "request body exceeds max size" {
		t.Errorf("expected body size error, got %v", err)
	}
}

func TestHTTPIPv6Normalization(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"::1"}})

	tests := []struct {
		host    string
		allowed bool
	}{
		{"::1", true},
		{"0:0:0:0:0:0:0:1", true},
		{"::2", false},
		{"example.com", false},
	}

	for _, tc := range tests {
		if got := h.isHostAllowed(tc.host); got != tc.allowed {
			t.Errorf("isHostAllowed(%q) = %v, want %v", tc.host, got, tc.allowed)
		}
	}
}

func TestHTTPIPNoSubdomainBypass(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})

	for _, host := range []string{"::1", "127.0.0.1", "192.168.1.1", "2001:db8::1"} {
		if h.isHostAllowed(host) {
			t.Errorf("IP %q should not match domain allowlist", host)
		}
	}
}

func TestHTTPAllowsSubdomainCaseInsensitive(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"Example.com"}})
	if !h.isHostAllowed("API.example.com") {
		t.Error("subdomain should be allowed")
	}
}
