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
)

func TestSetupWritesStructuredLines(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closer := SetupWithOptions("saled", "test", Options{Level: "debug", Output: &buf})
	defer closer.Close()

	logger.Debug("purchase dispatched", "buyer", "alice", "signature", "deadbeef")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "saled", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "DEBUG", line["severity"])
	assert.Equal(t, "purchase dispatched", line["message"])
	assert.Equal(t, "alice", line["buyer"])
	assert.Equal(t, RedactedValue, line["signature"])
	assert.Contains(t, line, "timestamp")
}

func TestSetupRespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, _ := SetupWithOptions("saled", "", Options{Level: "warn", Output: &buf})
	logger.Info("quiet")
	assert.Zero(t, buf.Len())
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
	assert.NotContains(t, buf.String(), `"env"`)
}

func TestSetupRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "saled.log")
	var buf bytes.Buffer
	logger, closer := SetupWithOptions("saled", "", Options{
		Output: &buf,
		File:   &FileConfig{Path: path, MaxSizeMB: 1},
	})
	logger.Info("to file")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "to file"))
}

func TestRedactGroups(t *testing.T) {
	attr := Redact(slog.Group("req", slog.String("authorization", "Bearer x"), slog.String("route", "/v1/purchase")))
	group := attr.Value.Group()
	require.Len(t, group, 2)
	assert.Equal(t, RedactedValue, group[0].Value.String())
	assert.Equal(t, "/v1/purchase", group[1].Value.String())
	assert.Contains(t, SensitiveKeys(), "passphrase")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
}
