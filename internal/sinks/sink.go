// Package sinks implements the engine's three output destinations:
// console (fast-path, inline on the producer thread), file (rotation,
// compression, encryption, retention, circuit breaker), and database
// (batched inserts, partitioning, circuit breaker, fallback file).
package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"logengine/pkg/record"
	"logengine/pkg/template"
)

// Sink is the contract every output destination implements: single-record
// delivery (the dispatcher does no batching; the database sink batches
// internally for its own flush cadence), health reporting, and an
// explicit flush/close pair for the shutdown drain.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	// Send delivers one record. It must not block indefinitely; workers
	// call it once per dequeued record.
	Send(ctx context.Context, rec record.LogRecord) error
	// Flush forces any internally buffered records out (database sink
	// batching); a no-op for sinks with no internal buffer.
	Flush(ctx context.Context) error
	Close() error
	IsHealthy() bool
}

// ConsoleSink writes directly to stdout/stderr. It is
// also used inline on the producer's fast path in addition to being
// addressable as a fallback destination from the file sink's circuit
// breaker; both call sites share one mutex-guarded writer so concurrent
// writes never interleave mid-line.
type ConsoleSink struct {
	tmpl         *template.Template
	colored      bool
	stderrLevels map[record.Level]bool

	mu sync.Mutex
}

func NewConsoleSink(tmpl *template.Template, colored bool, stderrLevels []record.Level) *ConsoleSink {
	levels := make(map[record.Level]bool, len(stderrLevels))
	for _, l := range stderrLevels {
		levels[l] = true
	}
	return &ConsoleSink{tmpl: tmpl, colored: colored, stderrLevels: levels}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Start(ctx context.Context) error { return nil }

func (c *ConsoleSink) Send(ctx context.Context, rec record.LogRecord) error {
	line := c.tmpl.Render(rec)
	if c.colored {
		line = colorize(rec.Level, line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := stdout
	if c.stderrLevels[rec.Level] {
		w = stderr
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func (c *ConsoleSink) Flush(ctx context.Context) error { return nil }
func (c *ConsoleSink) Close() error                    { return nil }
func (c *ConsoleSink) IsHealthy() bool                 { return true }

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(level record.Level, line string) string {
	var code string
	switch level {
	case record.Error:
		code = "31" // red
	case record.Warn:
		code = "33" // yellow
	case record.Info:
		code = "36" // cyan
	case record.Debug, record.Trace:
		code = "90" // gray
	default:
		return line
	}
	return "\x1b[" + code + "m" + line + "\x1b[0m"
}
