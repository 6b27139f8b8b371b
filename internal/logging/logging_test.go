package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestJSONComponentName(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(Config{Level: "debug", Format: FormatJSON}, &buf)
	For(root, ComponentLocalStore).Debugw("Ignoring outdated watch update", "key", "c/1")
	require.NoError(t, root.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "local_store", line["component"])
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "c/1", line["key"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(Config{Level: "warn"}, &buf)
	log := For(root, ComponentLruGC)
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "shown"))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.log")
	root := New(Config{Level: "info", File: path})
	For(root, ComponentLease).Info("became primary")
	require.NoError(t, root.Sync())
	assert.FileExists(t, path)
}

func TestForNilRoot(t *testing.T) {
	assert.NotPanics(t, func() { For(nil, ComponentClient).Info("x") })
}
