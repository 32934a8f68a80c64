package hostfunc

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPConfig controls outbound requests made on behalf of a guest.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP is the outbound fetch binding.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Request performs {method, url, headers, body} and returns
// {status, headers, body}. Request bodies may be strings or base64 (as sent
// for []byte by the guest SDK, flagged with "body_base64": true). Response
// bodies are returned as bytes.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	rawURL, ok := args["url"].(string)
	if !ok || rawURL == "" {
		return nil, fmt.Errorf("url required")
	}

	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, fmt.Errorf("http not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	body, err := requestBody(args)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		return nil, fmt.Errorf("request body exceeds max size")
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			switch vv := v.(type) {
			case string:
				req.Header.Set(k, vv)
			case []any:
				for _, item := range vv {
					if s, ok := item.(string); ok {
						req.Header.Add(k, s)
					}
				}
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"headers": map[string][]string(resp.Header),
		"body":    respBody,
	}, nil
}

func requestBody(args map[string]any) ([]byte, error) {
	s, ok := args["body"].(string)
	if !ok || s == "" {
		return nil, nil
	}
	if encoded, _ := args["body_base64"].(bool); encoded {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 body")
		}
		return data, nil
	}
	return []byte(s), nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	hostIP := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if allowedIP := net.ParseIP(allowed); allowedIP != nil {
			if hostIP != nil && hostIP.Equal(allowedIP) {
				return true
			}
			continue
		}
		if hostIP != nil {
			continue
		}
		host = strings.ToLower(host)
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
