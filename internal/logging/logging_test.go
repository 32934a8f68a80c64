package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Console: &buf})
	require.NoError(t, err)

	log.Info("hello", zap.String("k", "v"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "debug", Format: "console", Console: &buf})
	require.NoError(t, err)

	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shim.log")
	var buf bytes.Buffer
	log, err := New(Options{File: path, Console: &buf})
	require.NoError(t, err)

	log.Warn("to both")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}
