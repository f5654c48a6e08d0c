package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsync/internal/config"
	"tgsync/internal/store/storetest"
)

func writeConfig(t *testing.T, storeURL string) string {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.BaseURL = storeURL
	cfg.Store.MaxRetries = 0
	cfg.Media.Root = dir
	cfg.Telegram.SessionDir = filepath.Join(dir, "sessions")
	cfg.Accounts = []config.AccountConfig{{ID: "+15550001", Token: "123456:abcdefghijkl"}}

	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(path, cfg))
	return path
}

func TestRunChecks_StoreReachable(t *testing.T) {
	srv := storetest.New(t)
	path := writeConfig(t, srv.URL)

	var out bytes.Buffer
	c := &checker{out: &out}
	cfg := runChecks(context.Background(), c, path, true)

	require.NotNil(t, cfg)
	assert.Equal(t, 0, c.failed, out.String())
	assert.Contains(t, out.String(), "[PASS] Message Store")
	assert.Contains(t, out.String(), "[WARN] Account +15550001")
}

func TestRunChecks_StoreDown(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1/api")

	var out bytes.Buffer
	c := &checker{out: &out}
	runChecks(context.Background(), c, path, true)

	assert.Equal(t, 1, c.failed)
	assert.Contains(t, out.String(), "[FAIL] Message Store")
}

func TestRunChecks_MissingConfig(t *testing.T) {
	var out bytes.Buffer
	c := &checker{out: &out}
	cfg := runChecks(context.Background(), c, filepath.Join(t.TempDir(), "nope.json"), true)

	assert.Nil(t, cfg)
	assert.Equal(t, 1, c.failed)
}

func TestRenderService(t *testing.T) {
	unit := renderService(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/tgsync",
		"CONFIG": "/home/u/.tgsync/config.json",
	})
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/tgsync run --config /home/u/.tgsync/config.json")
	assert.NotContains(t, unit, "{{")
}

func TestSetupLogger_WritesToFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.LogLevel = "debug"
	cfg.General.LogFile = filepath.Join(t.TempDir(), "logs", "tgsync.log")

	closer, err := setupLogger(cfg)
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, closer.Close())
	assert.FileExists(t, cfg.General.LogFile)
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:8000/api")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.Telegram.SessionDir, 0o700))
	sessFile := filepath.Join(cfg.Telegram.SessionDir, "+15550001.session")
	require.NoError(t, os.WriteFile(sessFile, []byte("offset"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Telegram.SessionDir, "notes.txt"), []byte("x"), 0o600))

	entries, err := backupEntries(path, cfg.Telegram.SessionDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sessions/+15550001.session", entries[1].name)

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	require.NoError(t, createTarGz(archive, entries))

	require.NoError(t, os.Remove(sessFile))
	restored, err := extractTarGz(archive, path, sessionDirFor)
	require.NoError(t, err)
	assert.Equal(t, []string{path, sessFile}, restored)

	data, err := os.ReadFile(sessFile)
	require.NoError(t, err)
	assert.Equal(t, "offset", string(data))
}

func TestRunWizard_WritesAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := strings.NewReader("http://store:8000/api\n/srv/media\n+15550002\nsecret-token-value\n")
	var out bytes.Buffer

	require.NoError(t, runWizard(in, &out, path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://store:8000/api", cfg.Store.BaseURL)
	assert.Equal(t, "/srv/media", cfg.Media.Root)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "+15550002", cfg.Accounts[0].ID)
	assert.Equal(t, "secret-token-value", cfg.Accounts[0].Token)
}

func TestSuperviseEngine_MetricsPortBusyKeepsEngineRunning(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Defaults()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ln.Addr().String()

	err = superviseEngine(context.Background(), cfg, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return nil
		}
	})
	assert.NoError(t, err, "engine context must outlive a failed metrics endpoint")
}

func TestSuperviseEngine_EngineExitStopsMetrics(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() {
		done <- superviseEngine(context.Background(), cfg, func(ctx context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics endpoint kept running after the engine stopped")
	}
}
