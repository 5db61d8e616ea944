package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEmitsRenamedJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Service: "curved", Env: "test", Output: &buf})
	defer closer.Close()

	logger.Info("curve recomputed", "position", "pool-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "curve recomputed", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "curved", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "pool-1", line["position"])
	require.Contains(t, line, "timestamp")
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Service: "curved", Level: "warn", Output: &buf})
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curved.log")
	var buf bytes.Buffer
	logger, closer := New(Options{Service: "curved", Output: &buf, File: FileOptions{Path: path, MaxSizeMB: 1}})
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("api_key", "secret").Value.String())
	require.Equal(t, "pool-1", MaskField("position", "pool-1").Value.String())
	require.Equal(t, "", MaskField("api_key", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "source")
}
