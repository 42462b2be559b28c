package sinks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logengine/internal/metrics"
	"logengine/pkg/record"
	"logengine/pkg/template"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestFileSink(t *testing.T, cfg FileConfig) (*FileSink, *ConsoleSink) {
	t.Helper()
	tmpl, err := template.Compile("{message}")
	require.NoError(t, err)
	fallback := NewConsoleSink(tmpl, false, nil)
	if cfg.DiskCheckMinFreeBytes == 0 {
		cfg.DiskCheckMinFreeBytes = 1 // avoid touching the real mount in CI sandboxes
	}
	fs := NewFileSink(cfg, tmpl, fallback, metrics.New(), testLogger())
	require.NoError(t, fs.Start(context.Background()))
	t.Cleanup(func() { _ = fs.Close() })
	return fs, fallback
}

func TestFileSinkWritesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	fs, _ := newTestFileSink(t, FileConfig{Path: path})

	require.NoError(t, fs.Send(context.Background(), record.LogRecord{Message: "hello"}))
	require.NoError(t, fs.Flush(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestFileSinkRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	fs, _ := newTestFileSink(t, FileConfig{Path: path, MaxSizeBytes: 10})

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Send(context.Background(), record.LogRecord{Message: "0123456789"}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "expected at least one rotated file alongside the active file")
}

func TestFileSinkCompressesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	fs, _ := newTestFileSink(t, FileConfig{Path: path, MaxSizeBytes: 5, Compress: true, CompressionLevel: 3})

	require.NoError(t, fs.Send(context.Background(), record.LogRecord{Message: "0123456789"}))
	// give the async post-processing goroutine a moment to run
	deadline := time.Now().Add(2 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".zst" {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, found, "expected a .zst compressed rotated file")
}

func TestFileSinkEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyEnv := "LOGENGINE_TEST_KEY"
	t.Setenv(keyEnv, "01234567890123456789012345678901")

	src := filepath.Join(dir, "plain.log")
	require.NoError(t, os.WriteFile(src, []byte("line one\nline two\n"), 0600))

	encPath := filepath.Join(dir, "plain.log.enc")
	require.NoError(t, encryptFile(src, encPath, keyEnv))

	header, err := os.ReadFile(encPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(header), 8)
	assert.Equal(t, "ENCLOG1\x00", string(header[:8]))

	decPath := filepath.Join(dir, "plain.log.dec")
	require.NoError(t, DecryptFile(encPath, decPath, keyEnv))

	out, err := os.ReadFile(decPath)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(out))
}

func TestFileSinkRetentionDropsOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	old := filepath.Join(dir, "app_20200101_000000.log")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0600))
	require.NoError(t, os.Chtimes(old, time.Now().AddDate(-1, 0, 0), time.Now().AddDate(-1, 0, 0)))

	fs, _ := newTestFileSink(t, FileConfig{Path: path, RetentionDays: 1})
	fs.applyRetention()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expected stale rotated file to be removed by retention")
}

func TestFileSinkFallsBackOnDiskPressure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	fs, fallback := newTestFileSink(t, FileConfig{Path: path, DiskCheckMinFreeBytes: 1 << 62})

	var buf captureWriter
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()

	require.NoError(t, fs.Send(context.Background(), record.LogRecord{Message: "routed"}))
	assert.Contains(t, buf.String(), "routed")
	assert.NotNil(t, fallback)
	assert.False(t, fs.IsHealthy())
}

type captureWriter struct{ data []byte }

func (c *captureWriter) Write(p []byte) (int, error) {
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *captureWriter) String() string { return string(c.data) }
