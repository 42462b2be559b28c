package sinks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"logengine/internal/metrics"
	"logengine/pkg/circuit"
	"logengine/pkg/errkind"
	"logengine/pkg/record"
)

var (
	tableNamePattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)
	partitionNamePattern = regexp.MustCompile(`^[a-z_]+_\d{4}_(0[1-9]|1[0-2])$`)
)

// DBConfig is the database sink's own parsed configuration.
type DBConfig struct {
	Driver        string // "postgres" | "mysql" | "sqlite"
	URL           string
	PoolSize      int
	BatchSize     int
	FlushInterval time.Duration
	TableName     string
	FallbackPath  string // newline-delimited JSON fallback file; default "./db_fallback.log"
}

func driverName(configured string) string {
	switch configured {
	case "postgres":
		return "pgx"
	case "mysql":
		return "mysql"
	case "sqlite":
		return "sqlite"
	default:
		return configured
	}
}

// DatabaseSink implements batched multi-row inserts, PostgreSQL monthly
// range partitioning, a circuit breaker, and a local JSON-lines fallback
// file when the database is unreachable, against three real drivers
// (postgres, mysql, sqlite) through database/sql.
type DatabaseSink struct {
	cfg     DBConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger
	breaker *circuit.Breaker

	db *sql.DB

	mu    sync.Mutex
	batch []record.LogRecord

	fallback *os.File

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDatabaseSink(cfg DBConfig, m *metrics.Metrics, logger *logrus.Logger) *DatabaseSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.TableName == "" {
		cfg.TableName = "logs"
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = "./db_fallback.log"
	}
	return &DatabaseSink{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		breaker: circuit.New(circuit.Config{Name: "database_sink", FailureThreshold: 5, ResetTimeout: 30 * time.Second}, logger),
	}
}

func (d *DatabaseSink) Name() string { return "database" }

func (d *DatabaseSink) Start(ctx context.Context) error {
	if !tableNamePattern.MatchString(d.cfg.TableName) {
		return errkind.ConfigError("start", fmt.Sprintf("invalid database table name %q", d.cfg.TableName))
	}

	db, err := sql.Open(driverName(d.cfg.Driver), d.cfg.URL)
	if err != nil {
		return errkind.DatabaseError("start", "open failed", err)
	}
	db.SetMaxOpenConns(d.cfg.PoolSize)
	db.SetMaxIdleConns(d.cfg.PoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return errkind.DatabaseError("start", "ping failed", err)
	}
	d.db = db

	if err := d.ensureSchema(ctx); err != nil {
		return err
	}

	fallback, err := os.OpenFile(d.cfg.FallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errkind.IOError("start", "cannot open fallback file", err)
	}
	d.fallback = fallback

	loopCtx, loopCancel := context.WithCancel(ctx)
	d.cancel = loopCancel
	d.wg.Add(1)
	go d.flushLoop(loopCtx)

	if d.cfg.Driver == "postgres" {
		d.wg.Add(1)
		go d.partitionLoop(loopCtx)
	}

	return nil
}

func (d *DatabaseSink) ensureSchema(ctx context.Context) error {
	var ddl string
	switch d.cfg.Driver {
	case "postgres":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL,
			ts TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			target TEXT NOT NULL,
			message TEXT NOT NULL,
			fields JSONB,
			file TEXT,
			line INTEGER,
			thread_id VARCHAR(100) NOT NULL,
			PRIMARY KEY (id, ts)
		) PARTITION BY RANGE (ts)`, d.cfg.TableName)
	case "mysql":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			ts DATETIME(3) NOT NULL,
			level VARCHAR(16) NOT NULL,
			target VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			fields JSON,
			file TEXT,
			line INTEGER,
			thread_id VARCHAR(100) NOT NULL
		)`, d.cfg.TableName)
	default: // sqlite
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			target TEXT NOT NULL,
			message TEXT NOT NULL,
			fields TEXT,
			file TEXT,
			line INTEGER,
			thread_id VARCHAR(100) NOT NULL
		)`, d.cfg.TableName)
	}
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return errkind.DatabaseError("ensure_schema", "create table failed", err)
	}

	if d.cfg.Driver == "postgres" {
		now := time.Now().UTC()
		if err := d.ensurePartition(ctx, now); err != nil {
			return err
		}
		if err := d.ensurePartition(ctx, now.AddDate(0, 1, 0)); err != nil {
			return err
		}
	}
	return nil
}

// ensurePartition creates the monthly range partition covering month.
// Both the parent table name and the generated partition
// name are validated against fixed identifier patterns before they are
// interpolated into DDL; no user-controlled string reaches SQL text
// unvalidated.
func (d *DatabaseSink) ensurePartition(ctx context.Context, month time.Time) error {
	monthStart := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	partitionName := fmt.Sprintf("%s_%04d_%02d", d.cfg.TableName, monthStart.Year(), monthStart.Month())
	if !partitionNamePattern.MatchString(partitionName) {
		return errkind.ConfigError("ensure_partition", fmt.Sprintf("generated partition name %q failed validation", partitionName))
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		partitionName, d.cfg.TableName,
		monthStart.Format("2006-01-02"), monthEnd.Format("2006-01-02"),
	)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return errkind.DatabaseError("ensure_partition", "create partition failed", err)
	}
	return nil
}

// partitionLoop checks daily that next month's partition exists, well
// ahead of the rollover.
func (d *DatabaseSink) partitionLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := time.Now().UTC().AddDate(0, 1, 0)
			if err := d.ensurePartition(ctx, next); err != nil {
				d.logger.WithError(err).Warn("failed to pre-create next month's log partition")
			}
		}
	}
}

func (d *DatabaseSink) Send(ctx context.Context, rec record.LogRecord) error {
	d.mu.Lock()
	d.batch = append(d.batch, rec)
	full := len(d.batch) >= d.cfg.BatchSize
	d.mu.Unlock()

	if full {
		return d.flush(ctx)
	}
	return nil
}

func (d *DatabaseSink) flushLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = d.flush(context.Background())
			return
		case <-ticker.C:
			if err := d.flush(ctx); err != nil {
				d.logger.WithError(err).Warn("periodic batch flush failed")
			}
		}
	}
}

func (d *DatabaseSink) Flush(ctx context.Context) error { return d.flush(ctx) }

// flush drains the in-memory batch and inserts it under breaker
// protection. While the breaker is HalfOpen only the single admitted
// probe proceeds; flush shrinks that probe to half the pending batch so a
// recovering database is not immediately re-hammered with a full batch
// requeuing the remainder for the next tick.
func (d *DatabaseSink) flush(ctx context.Context) error {
	d.mu.Lock()
	if len(d.batch) == 0 {
		d.mu.Unlock()
		return nil
	}
	pending := d.batch
	sendNow := pending
	var requeue []record.LogRecord
	if d.breaker.State() == circuit.HalfOpen && len(pending) > 1 {
		mid := len(pending) / 2
		sendNow = pending[:mid]
		requeue = append(requeue, pending[mid:]...)
	}
	d.batch = append([]record.LogRecord(nil), requeue...)
	d.mu.Unlock()

	batchID := uuid.NewString()
	start := time.Now()
	err := d.breaker.Execute(func() error {
		return d.insertBatch(ctx, sendNow)
	})
	if err != nil {
		d.metrics.RecordSinkError(d.Name())
		d.logger.WithError(err).WithField("batch_id", batchID).Warn("database batch insert failed, writing to fallback file")
		if ferr := d.writeFallback(sendNow, batchID); ferr != nil {
			d.logger.WithError(ferr).Error("fallback file write also failed; records dropped")
			d.metrics.RecordDrop("database_fallback_write_failed")
		}
		return err
	}

	for range sendNow {
		d.metrics.RecordWrite(d.Name(), time.Since(start))
	}
	return nil
}

func (d *DatabaseSink) insertBatch(ctx context.Context, records []record.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	placeholder := func(n int) string {
		if d.cfg.Driver == "postgres" {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}

	const cols = 8
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (ts, level, target, message, fields, file, line, thread_id) VALUES ", d.cfg.TableName)
	args := make([]interface{}, 0, len(records)*cols)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * cols
		b.WriteString("(")
		for col := 0; col < cols; col++ {
			if col > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholder(base + col + 1))
		}
		b.WriteString(")")

		fieldsJSON, err := json.Marshal(rec.FieldsToMap())
		if err != nil {
			return errkind.DatabaseError("insert_batch", "fields marshal failed", err)
		}

		file := sql.NullString{String: rec.File, Valid: rec.File != ""}
		line := sql.NullInt64{Int64: int64(rec.Line), Valid: rec.HasLine}

		args = append(args, rec.Timestamp.UTC(), string(rec.Level), rec.Target, rec.Message, string(fieldsJSON), file, line, rec.ThreadID)
	}

	if _, err := d.db.ExecContext(ctx, b.String(), args...); err != nil {
		return errkind.DatabaseError("insert_batch", "batch insert failed", err)
	}
	return nil
}

// writeFallback appends each record as one JSON line to the fallback
// file. Replaying the fallback file back into the database is explicitly
// out of scope; an operator or an external tool consumes it.
func (d *DatabaseSink) writeFallback(records []record.LogRecord, batchID string) error {
	for _, rec := range records {
		line := struct {
			BatchID   string                 `json:"batch_id"`
			Timestamp time.Time              `json:"timestamp"`
			Level     string                 `json:"level"`
			Target    string                 `json:"target"`
			Message   string                 `json:"message"`
			Fields    map[string]interface{} `json:"fields,omitempty"`
		}{
			BatchID:   batchID,
			Timestamp: rec.Timestamp.UTC(),
			Level:     string(rec.Level),
			Target:    rec.Target,
			Message:   rec.Message,
			Fields:    rec.FieldsToMap(),
		}
		data, err := json.Marshal(line)
		if err != nil {
			return errkind.IOError("write_fallback", "marshal failed", err)
		}
		if _, err := d.fallback.Write(append(data, '\n')); err != nil {
			return errkind.IOError("write_fallback", "write failed", err)
		}
	}
	return nil
}

func (d *DatabaseSink) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	var closeErr error
	if d.fallback != nil {
		closeErr = d.fallback.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

func (d *DatabaseSink) IsHealthy() bool { return !d.breaker.IsOpen() }

func (d *DatabaseSink) Breaker() *circuit.Breaker { return d.breaker }

// ResetBreaker forces the circuit breaker closed, called by the
// dispatcher's worker-owned recovery flow after a successful restart.
func (d *DatabaseSink) ResetBreaker() { d.breaker.Reset() }
