package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact is a source of WASM bytes.
type Artifact interface {
	Name() string
	Load(ctx context.Context) ([]byte, error)
}

// File loads a module from disk.
type File string

func (f File) Name() string { return filepath.Base(string(f)) }

func (f File) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Bytes is an in-memory module, typically embedded with go:embed.
type Bytes struct {
	Label string
	Code  []byte
}

func (b Bytes) Name() string {
	if b.Label == "" {
		return "module.wasm"
	}
	return b.Label
}

func (b Bytes) Load(context.Context) ([]byte, error) {
	return b.Code, nil
}

// URL downloads a module over HTTP. When CachePath is set the download is
// kept there and revalidated with If-Modified-Since on later loads; the
// cached copy is also used when the server cannot be reached.
type URL struct {
	Location  string
	CachePath string
	Client    *http.Client
}

func (u URL) Name() string {
	return filepath.Base(strings.TrimRight(u.Location, "/"))
}

func (u URL) Load(ctx context.Context) ([]byte, error) {
	cached, modTime := u.readCache()

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.Location, nil)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	if cached != nil {
		req.Header.Set("If-Modified-Since", modTime.UTC().Format(http.TimeFormat))
	}

	resp, err := client.Do(req)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return cached, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download artifact: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	u.writeCache(data, resp.Header.Get("Last-Modified"))
	return data, nil
}

// readCache returns the cached module, or nil when there is none or it is
// not a WASM binary.
func (u URL) readCache() ([]byte, time.Time) {
	if u.CachePath == "" {
		return nil, time.Time{}
	}
	info, err := os.Stat(u.CachePath)
	if err != nil {
		return nil, time.Time{}
	}
	data, err := os.ReadFile(u.CachePath)
	if err != nil || checkHeader(data) != nil {
		return nil, time.Time{}
	}
	return data, info.ModTime()
}

func (u URL) writeCache(data []byte, lastModified string) {
	if u.CachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(u.CachePath), 0o755); err != nil {
		return
	}
	tmp := u.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if t, err := http.ParseTime(lastModified); err == nil {
		os.Chtimes(tmp, t, t)
	}
	if err := os.Rename(tmp, u.CachePath); err != nil {
		os.Remove(tmp)
	}
}

// ParseArtifact maps a command-line reference to an Artifact: http(s) URLs
// are downloaded, anything else is a file path.
func ParseArtifact(ref, cacheDir string) Artifact {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u := URL{Location: ref}
		if cacheDir != "" {
			sum := sha256.Sum256([]byte(ref))
			key := hex.EncodeToString(sum[:8]) + "-" + u.Name()
			u.CachePath = filepath.Join(cacheDir, "artifacts", key)
		}
		return u
	}
	return File(ref)
}
