package hostfunc

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const DefaultMaxAssetSize = 25 << 20 // 25MB

// Assets serves read-only static files from a single directory, the
// equivalent of an edge worker's ASSETS binding.
type Assets struct {
	root    string
	maxSize int64
}

// NewAssets returns an Assets rooted at dir. A maxSize of zero uses
// DefaultMaxAssetSize.
func NewAssets(dir string, maxSize int64) (*Assets, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("assets path is not a directory: " + dir)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxAssetSize
	}
	return &Assets{root: root, maxSize: maxSize}, nil
}

// resolve maps a URL path onto the assets directory. Directory requests
// resolve to their index.html.
func (a *Assets) resolve(urlPath string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(urlPath, "/"))
	hostPath := filepath.Join(a.root, filepath.FromSlash(clean))

	if hostPath != a.root && !strings.HasPrefix(hostPath, a.root+string(filepath.Separator)) {
		return "", errors.New("permission denied: path escape attempt")
	}

	if info, err := os.Stat(hostPath); err == nil && info.IsDir() {
		hostPath = filepath.Join(hostPath, "index.html")
	}
	return hostPath, nil
}

// Fetch returns {status, content_type, body} for the "path" argument.
// Missing files produce status 404 rather than an error so the guest can
// fall through to its own handling.
func (a *Assets) Fetch(ctx context.Context, args map[string]any) (any, error) {
	p, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}

	hostPath, err := a.resolve(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"status": http.StatusNotFound}, nil
		}
		return nil, errors.New("read error: " + err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.New("stat error: " + err.Error())
	}
	if info.Size() > a.maxSize {
		return nil, errors.New("asset exceeds max size: " + p)
	}

	data, err := io.ReadAll(io.LimitReader(f, a.maxSize))
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}

	contentType := mime.TypeByExtension(filepath.Ext(hostPath))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return map[string]any{
		"status":       http.StatusOK,
		"content_type": contentType,
		"body":         data,
	}, nil
}
