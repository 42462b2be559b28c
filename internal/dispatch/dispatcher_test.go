package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"logengine/internal/metrics"
	"logengine/internal/sinks"
	"logengine/pkg/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// fakeSink records every record it receives; safe for concurrent use.
// Hand-rolled fake sink used across this package's
// dispatcher tests.
type fakeSink struct {
	name string

	mu       sync.Mutex
	received []record.LogRecord
	failNext bool
	starts   int
	closes   int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSink) Send(ctx context.Context, rec record.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("induced send failure")
	}
	f.received = append(f.received, rec)
	return nil
}

func (f *fakeSink) Flush(ctx context.Context) error { return nil }

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) IsHealthy() bool { return true }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

var _ sinks.Sink = (*fakeSink)(nil)

func TestDispatcherFansOutToEverySink(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := New(nil, map[string]sinks.Sink{"a": a, "b": b}, 16, metrics.New(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	d.Emit(ctx, record.LogRecord{Message: "hello"})

	require.NoError(t, d.Shutdown(time.Second))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}

func TestDispatcherClonesPerSink(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := New(nil, map[string]sinks.Sink{"a": a, "b": b}, 16, metrics.New(), testLogger())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	d.Emit(ctx, record.LogRecord{Message: "shared", Fields: []record.Field{{Key: "k", Value: "v"}}})
	require.NoError(t, d.Shutdown(time.Second))

	require.Len(t, a.received, 1)
	require.Len(t, b.received, 1)

	a.received[0].Fields[0].Value = "mutated"
	assert.Equal(t, "v", b.received[0].Fields[0].Value, "each sink must see its own independent copy")
}

func TestDispatcherDropsAfterShutdown(t *testing.T) {
	a := &fakeSink{name: "a"}
	d := New(nil, map[string]sinks.Sink{"a": a}, 16, metrics.New(), testLogger())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Shutdown(time.Second))

	d.Emit(ctx, record.LogRecord{Message: "too late"})
	assert.Equal(t, 0, a.count())
}

func TestDispatcherBlocksWhenChannelFull(t *testing.T) {
	a := &fakeSink{name: "a"}
	d := New(nil, map[string]sinks.Sink{"a": a}, 1, metrics.New(), testLogger())

	// Do not Start a's worker, so its channel is never drained; fill its
	// capacity-1 buffer, then Emit from a goroutine and confirm it is
	// still blocked until we cancel the context.
	d.mu.RLock()
	ch := d.channels["a"]
	d.mu.RUnlock()
	ch <- record.LogRecord{Message: "filler"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx, record.LogRecord{Message: "blocked"})
		close(done)
	}()

	select {
	case <-done:
		if ctx.Err() == nil {
			t.Fatal("Emit returned while the channel was still full and the context still live")
		}
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit did not return after context cancellation")
	}
}

func TestDispatcherRecoverRestartsSink(t *testing.T) {
	a := &fakeSink{name: "a"}
	d := New(nil, map[string]sinks.Sink{"a": a}, 16, metrics.New(), testLogger())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	d.Recover("a")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		starts := a.starts
		a.mu.Unlock()
		if starts >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.mu.Lock()
	starts := a.starts
	a.mu.Unlock()
	assert.GreaterOrEqual(t, starts, 2, "expected Recover to call Start again")

	require.NoError(t, d.Shutdown(time.Second))
}
