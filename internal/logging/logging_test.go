package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func TestJSONLoggerRespectsLevel(t *testing.T) {
	var out bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &out)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", slog.String("job_id", "j1"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestTextLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "narrator.log")
	var out bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "debug", Format: "text", File: path}, &out)
	require.NoError(t, err)

	logger.Debug("chunk done", slog.Int("index", 3))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunk done")
	assert.Contains(t, string(data), "index=3")
	assert.Contains(t, out.String(), "chunk done")
}

func TestInvalidSettings(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "verbose"})
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
