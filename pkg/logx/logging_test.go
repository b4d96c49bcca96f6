package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("hello",
		Int("n", 3),
		Duration("took", 1500*time.Millisecond),
		Strings("ids", []string{"a", "b"}),
		Err(errors.New("boom")),
	)

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	got := lines[0]
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, "info", got["level"])
	assert.Equal(t, "test", got["comp"])
	assert.EqualValues(t, 3, got["n"])
	assert.Equal(t, "boom", got["err"])
	assert.Contains(t, got["caller"], "logging_test.go")
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped", Err(nil))

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.With(String("k", "v")).Info("dropped")
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("below level")
	log.Error("first")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["message"])
	assert.Equal(t, "second", lines[1]["message"])
	assert.True(t, log.Enabled(LevelDebug))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel(" warning ", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel("trace", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}
