package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylab/internal/config"
	"keylab/internal/logging"
)

func TestRunStartsAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "keylab.toml")
	auditPath := filepath.Join(dir, "audit.log")
	pidPath := filepath.Join(dir, "keylabd.pid")
	cfg := fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"
pid_file = %q
audit_log = %q

[storage]
path = %q

[logging]
level = "warn"

[tracing]
enabled = true
file = %q
`, pidPath, auditPath, filepath.Join(dir, "db", "keylab.db"), filepath.Join(dir, "spans.jsonl"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, flags{config: cfgPath}) }()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(auditPath)
		return err == nil && len(b) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, pidPath)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("keylabd did not stop")
	}

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"event_type":"startup"`)
	assert.Contains(t, string(audit), `"event_type":"shutdown"`)
	assert.NoFileExists(t, pidPath)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "keylab.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[capture]\ncapacity = 1\n"), 0o600))

	err := run(context.Background(), flags{config: cfgPath})
	assert.ErrorContains(t, err, "capture.capacity")
}

func TestNewTracer(t *testing.T) {
	cfg := config.DefaultConfig()
	tr, err := newTracer(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, tr)

	cfg.Tracing.Enabled = true
	cfg.Tracing.File = filepath.Join(t.TempDir(), "spans.jsonl")
	tr, err = newTracer(cfg, nil)
	require.NoError(t, err)
	_, span := tr.Start(context.Background(), "probe")
	span.End()
	require.NoError(t, tr.Close())

	data, err := os.ReadFile(cfg.Tracing.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name":"probe"`)
}

func TestNewLogger(t *testing.T) {
	c := config.DefaultConfig().Logging
	l, err := newLogger(c, true)
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), logging.LevelDebug))
	l.Close()

	c.Format = "xml"
	_, err = newLogger(c, false)
	assert.Error(t, err)
}
