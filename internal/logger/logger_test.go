package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

func TestInit_WritesJSONAndCounts(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: LevelInfo, Writer: &buf})
	ClearCounts()

	Debug("hidden")
	Info("sync.table_started", "table", "users")
	Warn("slow table", "table", "orders")
	Error("sync.table_failed", "table", "orders")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 3, "debug records must be filtered at info level")
	assert.Equal(t, "sync.table_started", recs[0]["msg"])
	assert.Equal(t, "users", recs[0]["table"])
	assert.Empty(t, LogPath)

	warn, errs := GetCounts()
	assert.Equal(t, int64(1), warn)
	assert.Equal(t, int64(1), errs)

	ClearCounts()
	warn, errs = GetCounts()
	assert.Zero(t, warn)
	assert.Zero(t, errs)
}

func TestInit_AttrsOnEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: LevelDebug, Writer: &buf, Attrs: []any{"run_id", "abc", "role", "worker"}})

	Debug("worker.started")
	With("table", "users").Info("worker.done")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "abc", rec["run_id"])
		assert.Equal(t, "worker", rec["role"])
	}
	assert.Equal(t, "users", recs[1]["table"])
}

func TestInit_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pgrab.log")
	Init(Options{Level: LevelInfo, Path: path})
	t.Cleanup(Close)

	Info("hello")
	Close()

	assert.Equal(t, path, LogPath)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestDefaultLogPath(t *testing.T) {
	assert.True(t, strings.HasSuffix(DefaultLogPath(), filepath.Join(".config", "pgrab", "pgrab.log")))
}
