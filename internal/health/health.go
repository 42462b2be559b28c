// Package health implements the engine's health worker:
// a 10-second tick that evaluates every sink's circuit breaker and last
// successful write, publishes the result into the shared metrics state,
// and emits a Recover(sink_name) request once a sink has been Unhealthy
// longer than its reset timeout.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"logengine/internal/metrics"
	"logengine/pkg/circuit"
)

const tickInterval = 10 * time.Second

// Controller runs the health worker goroutine. It is intentionally
// decoupled from *dispatch.Dispatcher (passed in as two closures instead)
// so this package never needs to import dispatch.
type Controller struct {
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	resetTimeout time.Duration

	mu             sync.Mutex
	unhealthySince map[string]time.Time
	limiters       map[string]*rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

func New(m *metrics.Metrics, logger *logrus.Logger, resetTimeout time.Duration) *Controller {
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Controller{
		metrics:        m,
		logger:         logger,
		resetTimeout:   resetTimeout,
		unhealthySince: make(map[string]time.Time),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// SinkView is the narrow view of sink state the controller evaluates each
// tick: a breaker (may be nil for sinks with none), whose Stats also carry
// the time of the last successful call.
type SinkView struct {
	Breaker *circuit.Breaker
}

// Run starts the health worker. recover is called with a sink's name when
// it should be torn down and reconstructed. sinksFn is polled each tick
// so the controller always sees the current sink set.
func (c *Controller) Run(ctx context.Context, sinksFn func() map[string]SinkView, recover func(name string)) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				c.evaluate(sinksFn(), recover)
				return
			case <-ticker.C:
				c.evaluate(sinksFn(), recover)
			}
		}
	}()
}

func (c *Controller) evaluate(views map[string]SinkView, recover func(name string)) {
	for name, view := range views {
		if view.Breaker == nil {
			c.metrics.SetHealth(name, metrics.SinkHealth{Status: metrics.Healthy})
			continue
		}

		stats := view.Breaker.Stats()
		health := metrics.SinkHealth{
			ConsecutiveFailures: stats.ConsecutiveFailures,
			LastSuccessAt:       stats.LastSuccess,
		}
		if stats.LastError != nil {
			health.LastError = stats.LastError.Error()
		}

		switch stats.State {
		case circuit.Closed:
			if !stats.LastSuccess.IsZero() && time.Since(stats.LastSuccess) > 5*tickInterval {
				health.Status = metrics.Degraded
				health.Reason = "stalled"
			} else {
				health.Status = metrics.Healthy
			}
			c.clearUnhealthy(name)
		case circuit.HalfOpen:
			health.Status = metrics.Degraded
			health.Reason = "probing"
			c.clearUnhealthy(name)
		case circuit.Open:
			health.Status = metrics.Unhealthy
			health.Reason = "circuit open"
			c.maybeRecover(name, recover)
		}

		c.metrics.SetHealth(name, health)
	}
}

func (c *Controller) maybeRecover(name string, recover func(name string)) {
	c.mu.Lock()
	since, ok := c.unhealthySince[name]
	if !ok {
		c.unhealthySince[name] = time.Now()
		c.mu.Unlock()
		return
	}
	limiter, ok := c.limiters[name]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.resetTimeout), 1)
		c.limiters[name] = limiter
	}
	c.mu.Unlock()

	if time.Since(since) <= c.resetTimeout {
		return
	}
	if !limiter.Allow() {
		return
	}
	c.logger.WithField("sink", name).Warn("sink unhealthy past reset timeout, requesting recovery")
	recover(name)
}

func (c *Controller) clearUnhealthy(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unhealthySince, name)
}

// Stop signals the health worker to perform one final evaluation and
// exit, waking every 10s or on Shutdown.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}
