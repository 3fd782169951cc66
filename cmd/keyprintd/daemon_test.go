package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyprint/internal/config"
)

func TestDaemonLifecycle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYPRINT_DATA_DIR", dir)
	t.Setenv("KEYPRINT_SEAL_SECRET", "daemon-test-secret-0123456789")

	cfg := config.DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	cfg.Logging.Compress = false
	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 1
	cfg.Tracing.BatchSize = 1
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.Save(cfg, path))

	d := NewDaemon("test", path)
	require.NoError(t, d.Start(""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	select {
	case <-d.server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start listening")
	}
	base := "http://" + d.server.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/v1/users/zoe/profile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("traceparent"))

	d.hup <- syscall.SIGHUP
	var rotated []string
	require.Eventually(t, func() bool {
		rotated, _ = filepath.Glob(filepath.Join(dir, "audit-*.log"))
		return len(rotated) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("version = 1\n[server]\nlisten = \"nope\"\n"), 0600))
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(cfg.Logging.AuditPath)
		return strings.Contains(string(data), `"config_reload"`)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.NoError(t, d.Stop("test"))

	traceFiles, err := filepath.Glob(filepath.Join(dir, "traces*.jsonl"))
	require.NoError(t, err)
	require.Len(t, traceFiles, 2, "rotated and current trace files")
	var traces []byte
	for _, f := range traceFiles {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		traces = append(traces, data...)
	}
	assert.Contains(t, string(traces), `"name":"http.profile_create"`)

	before, err := os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Contains(t, string(before), `"startup"`)
	after, err := os.ReadFile(cfg.Logging.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(after), `"shutdown"`)
	assert.NotContains(t, string(after), `"startup"`)
}

func TestDaemonStartFailsCleanly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYPRINT_DATA_DIR", dir)
	t.Setenv("KEYPRINT_SEAL_SECRET", "")

	path := filepath.Join(dir, "config.toml")
	cfg := config.DefaultConfig()
	cfg.Security.SealSecretFile = filepath.Join(dir, "missing.key")
	require.NoError(t, config.Save(cfg, path))

	d := NewDaemon("test", path)
	assert.Error(t, d.Start(""), "missing seal secret")
	assert.Nil(t, d.server)
}
