// Package dispatch implements the engine's dispatch core:
// a bounded per-sink queue fed by the producer thread, one dedicated
// worker goroutine per enabled non-console sink, and a graceful shutdown
// protocol that drains, flushes, and closes every sink in turn: each
// producer clones a record once per enabled sink and fans it out, rather
// than a single shared worker pool iterating over every sink.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"logengine/internal/metrics"
	"logengine/internal/sinks"
	"logengine/pkg/errkind"
	"logengine/pkg/record"
)

// Dispatcher owns the bounded queues and worker goroutines for every
// enabled non-console sink. The console sink, if enabled, is written
// inline on the caller's goroutine (the required fast path).
type Dispatcher struct {
	console sinks.Sink

	mu       sync.RWMutex
	channels map[string]chan record.LogRecord
	recoverC map[string]chan struct{}
	workers  map[string]sinks.Sink
	closed   atomic.Bool

	metrics *metrics.Metrics
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

// New constructs a Dispatcher. console may be nil if the console sink is
// disabled. workerSinks maps sink name to its Sink implementation for
// every other enabled sink.
func New(console sinks.Sink, workerSinks map[string]sinks.Sink, channelCapacity int, m *metrics.Metrics, logger *logrus.Logger) *Dispatcher {
	channels := make(map[string]chan record.LogRecord, len(workerSinks))
	recoverC := make(map[string]chan struct{}, len(workerSinks))
	for name := range workerSinks {
		channels[name] = make(chan record.LogRecord, channelCapacity)
		recoverC[name] = make(chan struct{}, 1)
	}
	return &Dispatcher{
		console:  console,
		channels: channels,
		recoverC: recoverC,
		workers:  workerSinks,
		metrics:  m,
		logger:   logger,
	}
}

// Start launches every sink (console included) and one worker goroutine
// per non-console sink.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.console != nil {
		if err := d.console.Start(ctx); err != nil {
			return err
		}
	}
	for name, sink := range d.workers {
		if err := sink.Start(ctx); err != nil {
			return errkind.ShutdownError("start", "sink "+name+" failed to start", err)
		}
	}
	for name, sink := range d.workers {
		d.wg.Add(1)
		go d.workerLoop(ctx, name, sink, d.channels[name], d.recoverC[name])
	}
	d.metrics.SetActiveWorkers(len(d.workers))
	return nil
}

// workerLoop is the sole goroutine that ever touches sink's internal
// state (no other code path touches it): it serializes
// ordinary Send calls against recovery teardown/reconstruction by
// handling both off the same select.
func (d *Dispatcher) workerLoop(ctx context.Context, name string, sink sinks.Sink, ch chan record.LogRecord, recoverC chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				if err := sink.Flush(context.Background()); err != nil {
					d.logger.WithError(err).WithField("sink", name).Warn("sink flush on shutdown failed")
				}
				if err := sink.Close(); err != nil {
					d.logger.WithError(err).WithField("sink", name).Warn("sink close on shutdown failed")
				}
				return
			}
			if err := sink.Send(ctx, rec); err != nil {
				d.logger.WithError(err).WithField("sink", name).Warn("sink send failed")
			}
		case <-recoverC:
			d.logger.WithField("sink", name).Info("recovering sink")
			if err := sink.Close(); err != nil {
				d.logger.WithError(err).WithField("sink", name).Warn("sink close during recovery failed")
			}
			if err := sink.Start(ctx); err != nil {
				d.logger.WithError(err).WithField("sink", name).Warn("sink restart during recovery failed")
				continue
			}
			if resettable, ok := sink.(interface{ ResetBreaker() }); ok {
				resettable.ResetBreaker()
			}
		}
	}
}

// Recover requests that name's worker tear down and re-construct its
// sink. It is non-blocking: if a recovery is already
// pending for this sink, the request is dropped rather than queued.
func (d *Dispatcher) Recover(name string) {
	d.mu.RLock()
	ch, ok := d.recoverC[name]
	d.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Emit delivers rec to every enabled sink: inline for console, via its
// bounded per-sink channel for everything else. Under the default
// BlockingBackpressure policy this is the only suspension point in the
// emit path: a full channel blocks the
// caller until space frees up or ctx is cancelled.
func (d *Dispatcher) Emit(ctx context.Context, rec record.LogRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		d.metrics.RecordDrop("post_shutdown")
		return
	}

	if d.console != nil {
		if err := d.console.Send(ctx, rec); err != nil {
			d.logger.WithError(err).Warn("console send failed")
		}
	}

	for name, ch := range d.channels {
		clone := rec.Clone()
		select {
		case ch <- clone:
			continue
		default:
		}
		d.metrics.RecordChannelBlocked(name)
		select {
		case ch <- clone:
		case <-ctx.Done():
			d.metrics.RecordDrop("context_cancelled")
		}
	}
}

// Shutdown performs a graceful shutdown: stop admitting
// new records, close every sink's channel so its worker drains and exits,
// then wait up to deadline for all workers to join.
func (d *Dispatcher) Shutdown(deadline time.Duration) error {
	d.mu.Lock()
	d.closed.Store(true)
	for _, ch := range d.channels {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return errkind.ShutdownError("shutdown", "workers did not join before deadline", nil)
	}
}

// ChannelDepth reports a point-in-time (len, cap) pair for one sink's
// queue, consumed by the metrics snapshot's channel depth/capacity field.
func (d *Dispatcher) ChannelDepth(name string) (depth, capacity int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok {
		return 0, 0
	}
	return len(ch), cap(ch)
}

// Sinks exposes the worker sinks for the health controller's Recover flow.
func (d *Dispatcher) Sinks() map[string]sinks.Sink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]sinks.Sink, len(d.workers))
	for k, v := range d.workers {
		out[k] = v
	}
	return out
}
