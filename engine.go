// Package logengine is an in-process logging engine: it accepts
// structured log events from an application, fans them out to a console,
// a rotating/compressed/encrypted file, and a batched database sink, and
// guarantees ordered, backpressured delivery under partial sink failure.
//
// Records enter the engine only through Engine.Log; no process-wide
// logger or hook is replaced. At most one Engine is live in a process at
// a time: Start fails while an earlier Engine has not completed Shutdown,
// and succeeds again once that Shutdown has returned (see Shutdown).
package logengine

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"logengine/internal/config"
	"logengine/internal/dispatch"
	"logengine/internal/health"
	"logengine/internal/metrics"
	"logengine/internal/sinks"
	"logengine/pkg/circuit"
	"logengine/pkg/errkind"
	"logengine/pkg/mask"
	"logengine/pkg/record"
	"logengine/pkg/template"
	"logengine/pkg/tracectx"
)

// instanceInFlight enforces the single-engine-per-process invariant
// Start fails if a prior Engine has not been Shutdown.
var instanceInFlight atomic.Bool

// Engine is the running instance returned by Start. All methods are safe
// for concurrent use by every caller in the process.
type Engine struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	health     *health.Controller
	metrics    *metrics.Metrics
	masker     *mask.Masker
	minLevel   record.Level

	shutdownOnce atomic.Bool
}

// Config returns the validated configuration this engine was started
// with.
func (e *Engine) Config() config.Config { return e.cfg }

// Start validates cfg, constructs the enabled sinks, launches the
// dispatch core and health worker, and claims the process's single
// live-engine slot. It does not install a process-wide logger or hook.
func Start(cfg config.Config) (*Engine, error) {
	if !instanceInFlight.CompareAndSwap(false, true) {
		return nil, errkind.ConfigError("start", "an engine instance is already running in this process")
	}

	e, err := start(cfg)
	if err != nil {
		instanceInFlight.Store(false)
		return nil, err
	}
	return e, nil
}

func start(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, ok := record.ParseLevel(cfg.Global.Level)
	if !ok {
		return nil, errkind.ConfigError("start", fmt.Sprintf("unknown level %q", cfg.Global.Level))
	}

	tmpl, err := template.Compile(cfg.Global.Format)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	m := metrics.New()

	var console sinks.Sink
	if cfg.Console.Enabled {
		stderrLevels := make([]record.Level, 0, len(cfg.Console.StderrLevels))
		for _, s := range cfg.Console.StderrLevels {
			if l, ok := record.ParseLevel(s); ok {
				stderrLevels = append(stderrLevels, l)
			}
		}
		console = sinks.NewConsoleSink(tmpl, cfg.Console.Colored, stderrLevels)
	}

	workerSinks := make(map[string]sinks.Sink)
	fallbackConsole := console
	if fallbackConsole == nil {
		fallbackConsole = sinks.NewConsoleSink(tmpl, false, nil)
	}

	if cfg.File.Enabled {
		maxSize, _ := config.ParseSize(cfg.File.MaxSize)
		maxTotal, _ := config.ParseSize(cfg.File.MaxTotalSize)
		fileCfg := sinks.FileConfig{
			Path:              cfg.File.Path,
			MaxSizeBytes:      maxSize,
			RotationTime:      cfg.File.RotationTime,
			KeepFiles:         cfg.File.KeepFiles,
			Compress:          cfg.File.Compress,
			CompressionLevel:  cfg.File.CompressionLevel,
			Encrypt:           cfg.File.Encrypt,
			EncryptionKeyEnv:  cfg.File.EncryptionKeyEnv,
			RetentionDays:     cfg.File.RetentionDays,
			MaxTotalSizeBytes: maxTotal,
			CleanupInterval:   time.Duration(cfg.File.CleanupIntervalMinutes) * time.Minute,
		}
		workerSinks["file"] = sinks.NewFileSink(fileCfg, tmpl, fallbackConsole, m, logger)
	}

	if cfg.Database.Enabled {
		dbCfg := sinks.DBConfig{
			Driver:        cfg.Database.Driver,
			URL:           cfg.Database.URL,
			PoolSize:      cfg.Database.PoolSize,
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.FlushInterval(),
			TableName:     cfg.Database.TableName,
		}
		workerSinks["database"] = sinks.NewDatabaseSink(dbCfg, m, logger)
	}

	d := dispatch.New(console, workerSinks, cfg.Performance.ChannelCapacity, m, logger)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		return nil, err
	}

	var masker *mask.Masker
	if cfg.Global.MaskingEnabled {
		masker = mask.New(nil, nil)
	}

	hc := health.New(m, logger, 30*time.Second)
	hc.Run(ctx, func() map[string]health.SinkView {
		views := make(map[string]health.SinkView)
		for name, s := range d.Sinks() {
			views[name] = health.SinkView{Breaker: breakerOf(s)}
		}
		return views
	}, d.Recover)

	return &Engine{
		cfg:        cfg,
		dispatcher: d,
		health:     hc,
		metrics:    m,
		masker:     masker,
		minLevel:   level,
	}, nil
}

// breakerOf extracts the circuit breaker from a sink that has one,
// returning nil for sinks (e.g. console) that do not.
func breakerOf(s sinks.Sink) *circuit.Breaker {
	type holder interface{ Breaker() *circuit.Breaker }
	if h, ok := s.(holder); ok {
		return h.Breaker()
	}
	return nil
}

// Log constructs a LogRecord, applies masking, and emits it to every
// enabled sink. Records below the configured minimum level are dropped
// before they reach masking or the dispatch queue. This call never
// blocks the caller except at the bounded-queue suspension point
// BlockingBackpressure defines.
func (e *Engine) Log(ctx context.Context, level record.Level, target, message string, fields ...record.Field) {
	if !level.GE(e.minLevel) {
		return
	}
	ids := tracectx.Extract(ctx)
	_, file, line, hasLine := runtime.Caller(1)
	rec := record.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Target:    target,
		Message:   message,
		Fields:    fields,
		File:      file,
		Line:      uint32(line),
		HasLine:   hasLine,
		ThreadID:  goroutineID(),
		TraceID:   ids.TraceID,
		SpanID:    ids.SpanID,
	}
	if e.masker != nil {
		rec = e.masker.Apply(rec)
	}
	e.dispatcher.Emit(ctx, rec)
}

// goroutineID extracts the calling goroutine's numeric ID from the header
// line of its own stack dump ("goroutine 123 [running]: ..."). Go exposes
// no stable OS thread identifier, so the goroutine ID is used as the
// record's thread_id instead.
func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Recover requests that a named sink be torn down and reconstructed, the
// same action the health controller takes automatically after a sink has
// been Unhealthy past its reset timeout.
func (e *Engine) Recover(sinkName string) {
	e.dispatcher.Recover(sinkName)
}

// Snapshot returns a point-in-time view of engine state for the
// out-of-scope /health and /metrics HTTP handlers to consume.
type Snapshot struct {
	metrics.Snapshot
	ChannelDepth    map[string]int
	ChannelCapacity map[string]int
}

func (e *Engine) Snapshot() Snapshot {
	base := e.metrics.Snapshot()
	depth := make(map[string]int)
	capacity := make(map[string]int)
	for name := range e.dispatcher.Sinks() {
		d, c := e.dispatcher.ChannelDepth(name)
		depth[name] = d
		capacity[name] = c
	}
	return Snapshot{Snapshot: base, ChannelDepth: depth, ChannelCapacity: capacity}
}

// Shutdown signals every worker, drains each sink's queue up to deadline,
// flushes and closes every sink, and releases the single-engine-per-process
// slot. Safe to call at most once; repeat calls return an error.
//
// Releasing the slot permits a subsequent Start in the same process once
// this Shutdown has completed; what Start actually forbids is a second,
// concurrently live Engine, not ever starting again after a clean
// Shutdown. See the single-instance Open Question in DESIGN.md.
func (e *Engine) Shutdown(deadline time.Duration) error {
	if !e.shutdownOnce.CompareAndSwap(false, true) {
		return errkind.ShutdownError("shutdown", "engine already shut down", nil)
	}
	defer instanceInFlight.Store(false)

	e.health.Stop()
	return e.dispatcher.Shutdown(deadline)
}
