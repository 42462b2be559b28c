package sinks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logengine/internal/metrics"
	"logengine/pkg/record"
)

func newTestDatabaseSink(t *testing.T, cfg DBConfig) *DatabaseSink {
	t.Helper()
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.URL == "" {
		cfg.URL = filepath.Join(t.TempDir(), "test.db")
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = filepath.Join(t.TempDir(), "db_fallback.log")
	}
	ds := NewDatabaseSink(cfg, metrics.New(), testLogger())
	require.NoError(t, ds.Start(context.Background()))
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestDatabaseSinkFlushesOnBatchSize(t *testing.T) {
	ds := newTestDatabaseSink(t, DBConfig{BatchSize: 2})

	require.NoError(t, ds.Send(context.Background(), record.LogRecord{Message: "one"}))
	require.NoError(t, ds.Send(context.Background(), record.LogRecord{Message: "two"}))

	var count int
	row := ds.db.QueryRow("SELECT COUNT(*) FROM logs")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)
}

func TestDatabaseSinkFlushesOnInterval(t *testing.T) {
	ds := newTestDatabaseSink(t, DBConfig{BatchSize: 1000, FlushInterval: 20 * time.Millisecond})

	require.NoError(t, ds.Send(context.Background(), record.LogRecord{Message: "solo"}))

	deadline := time.Now().Add(2 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		row := ds.db.QueryRow("SELECT COUNT(*) FROM logs")
		require.NoError(t, row.Scan(&count))
		if count == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, count)
}

func TestDatabaseSinkRejectsInvalidTableName(t *testing.T) {
	cfg := DBConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "x.db"), TableName: "logs; DROP TABLE logs"}
	ds := NewDatabaseSink(cfg, metrics.New(), testLogger())
	err := ds.Start(context.Background())
	assert.Error(t, err)
}

func TestDatabaseSinkFallsBackToFileOnInsertFailure(t *testing.T) {
	ds := newTestDatabaseSink(t, DBConfig{BatchSize: 1})
	require.NoError(t, ds.db.Close()) // closed *sql.DB errors on every subsequent call

	err := ds.Send(context.Background(), record.LogRecord{Message: "orphan"})
	assert.Error(t, err)

	data, rerr := os.ReadFile(ds.cfg.FallbackPath)
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "orphan")
}
