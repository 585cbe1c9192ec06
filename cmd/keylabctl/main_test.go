package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylab/internal/completion"
	"keylab/internal/config"
	"keylab/internal/server"
	"keylab/internal/store"
	"keylab/internal/task"
)

const testUser = "0a1b2c3d4e5f6a7b"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--no-color", "--config", filepath.Join(t.TempDir(), "none.toml")}, args...))
	err := root.Execute()
	return out.String(), err
}

func backend(t *testing.T) string {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "keylab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRequests = 1000
	srv, err := server.New(server.Options{
		Store:  db,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	trace := `[{"type":"press","physical_key_id":"KeyH","logical_label":"h","timestamp":10},{"type":"release","physical_key_id":"KeyH","timestamp":60}]
{"type":"press","physical_key_id":"KeyI","logical_label":"i","timestamp":90}
{"type":"release","physical_key_id":"KeyI","timestamp":140}
`
	require.NoError(t, os.WriteFile(path, []byte(trace), 0o644))
	return path
}

func TestCodeGenerate(t *testing.T) {
	out, err := run(t, "code", "generate", "--user", strings.ToUpper(testUser))
	require.NoError(t, err)
	code := strings.TrimSpace(out)
	assert.True(t, completion.ValidCode(code), code)
	assert.True(t, completion.MatchesUser(code, testUser))
}

func TestCodeValidateOffline(t *testing.T) {
	code, err := completion.Generate(testUser, time.Now())
	require.NoError(t, err)

	out, err := run(t, "code", "validate", "--offline", "--user", testUser, strings.ToLower(code))
	require.NoError(t, err)
	assert.Contains(t, out, "is well formed")

	_, err = run(t, "code", "validate", "--offline", "TASK-nope")
	assert.ErrorContains(t, err, "invalid code format")

	_, err = run(t, "code", "validate", "--offline", "--user", "ffffffff", code)
	assert.ErrorContains(t, err, "not issued for user")
}

func TestTasksLocal(t *testing.T) {
	out, err := run(t, "tasks")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(task.Catalog())+1)
	assert.Contains(t, lines[1], "Facebook")
}

func TestReplayToDirectory(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(t.TempDir(), "text.txt")
	require.NoError(t, os.WriteFile(text, []byte("hi"), 0o644))

	out, err := run(t, "replay", writeTrace(t),
		"--user", testUser, "--platform", "2", "--task", "3",
		"--text", text, "--start", "2025-01-01T10:00:00Z", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 3 frames")

	names := task.Names(task.Twitter, testUser, 3)
	csv, err := os.ReadFile(filepath.Join(dir, names.Keystrokes))
	require.NoError(t, err)
	assert.Equal(t, "Press or Release,Key,Time\nP,h,10\nR,h,60\nP,i,90\nR,i,140", string(csv))

	raw, err := os.ReadFile(filepath.Join(dir, names.Raw))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(raw))

	meta, err := os.ReadFile(filepath.Join(dir, names.Metadata))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"duration_ms": 130`)
}

func TestReplayArguments(t *testing.T) {
	_, err := run(t, "replay", writeTrace(t), "--user", testUser)
	assert.ErrorContains(t, err, "nothing to do")

	_, err = run(t, "replay", writeTrace(t), "--user", "xyz", "--out", t.TempDir())
	assert.ErrorContains(t, err, "invalid user id")

	_, err = run(t, "replay", writeTrace(t))
	assert.Error(t, err)
}

func TestReplayUploadAndCompletion(t *testing.T) {
	url := backend(t)

	out, err := run(t, "--endpoint", url, "replay", writeTrace(t), "--user", testUser, "--task", "1", "--upload")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "uploaded"))

	out, err = run(t, "--endpoint", url, "code", "submit", "--user", testUser)
	require.NoError(t, err)
	var code string
	for _, line := range strings.Split(out, "\n") {
		if _, rest, ok := strings.Cut(line, "survey code: "); ok {
			code = strings.TrimSpace(rest)
		}
	}
	require.True(t, completion.ValidCode(code), out)

	out, err = run(t, "--endpoint", url, "code", "validate", code)
	require.NoError(t, err)
	assert.Contains(t, out, "code is valid")
	assert.Contains(t, out, testUser)

	other, err := completion.Generate(testUser, time.Now())
	require.NoError(t, err)
	_, err = run(t, "--endpoint", url, "code", "validate", other)
	assert.ErrorContains(t, err, "code not found")

	out, err = run(t, "--endpoint", url, "tasks", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "Instagram")
}

func TestUploadFiles(t *testing.T) {
	url := backend(t)
	dir := t.TempDir()
	good := filepath.Join(dir, testUser+"_consent.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"agreed":true}`), 0o644))
	bad := filepath.Join(dir, "notes.exe")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o644))

	out, err := run(t, "--endpoint", url, "upload", good, bad)
	assert.ErrorContains(t, err, "1 of 2 uploads failed")
	assert.Contains(t, out, "uploaded "+testUser+"_consent.json")
	assert.Contains(t, out, "notes.exe")
}
