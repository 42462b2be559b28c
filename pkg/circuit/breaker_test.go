package circuit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestBreakerBasicOperation(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond}, testLogger())

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond}, testLogger())

	testErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return testErr })
	}
	assert.Equal(t, Open, b.State())

	err := b.Execute(func() error {
		t.Error("fn must not run while breaker is open")
		return nil
	})
	assert.Error(t, err)
}

func TestBreakerHalfOpenSingleProbeSucceeds(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 2, ResetTimeout: 30 * time.Millisecond}, testLogger())

	testErr := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return testErr })
	}
	require.Equal(t, Open, b.State())

	time.Sleep(40 * time.Millisecond)

	var ran int32
	err := b.Execute(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ran)
	assert.Equal(t, Closed, b.State(), "a single successful probe must close the breaker")
}

func TestBreakerHalfOpenSingleProbeFails(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 2, ResetTimeout: 30 * time.Millisecond}, testLogger())

	testErr := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return testErr })
	}
	time.Sleep(40 * time.Millisecond)

	err := b.Execute(func() error { return testErr })
	assert.Error(t, err)
	assert.Equal(t, Open, b.State(), "a failed probe must reopen immediately")
}

func TestBreakerConcurrentExecutionsRunInParallel(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1000, ResetTimeout: time.Second}, testLogger())

	const n = 10
	const sleep = 50 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = b.Execute(func() error {
				time.Sleep(sleep)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), sleep*3, "calls should run concurrently, not serialize behind the lock")
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond}, testLogger())

	var transitions []string
	var mu sync.Mutex
	done := make(chan struct{}, 4)
	b.SetStateChangeCallback(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
		done <- struct{}{}
	})

	_ = b.Execute(func() error { return errors.New("x") })
	<-done

	mu.Lock()
	assert.Equal(t, []string{"closed->open"}, transitions)
	mu.Unlock()
}

func TestBreakerResetForcesClosed(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, ResetTimeout: time.Hour}, testLogger())
	_ = b.Execute(func() error { return errors.New("x") })
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
}
