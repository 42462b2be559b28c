// Package circuit implements a tri-state circuit breaker:
// Closed -> Open -> HalfOpen -> Closed, with a single probe
// admitted in HalfOpen (the sink layer may additionally halve its batch
// size while HalfOpen; the breaker itself only gates admission).
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker instance.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping; default 5
	ResetTimeout     time.Duration // time in Open before probing; default 30s
}

// Stats is a point-in-time read of a breaker's counters, used by the
// health controller and by metrics snapshots.
type Stats struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	LastError           error
	LastSuccess         time.Time
}

// Breaker is safe for concurrent use. Execute splits into the same
// three-phase lock/unlock/lock shape: admission check and
// bookkeeping hold the lock, the guarded call itself does not, so one slow
// call cannot block concurrent callers from being admitted or rejected.
type Breaker struct {
	mu sync.Mutex

	config Config
	logger *logrus.Logger

	state               State
	consecutiveFailures int
	openedAt            time.Time
	lastError           error
	lastSuccess         time.Time
	halfOpenInFlight    bool

	onStateChange func(from, to State)
}

func New(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{config: config, logger: logger, state: Closed}
}

// SetStateChangeCallback registers a callback invoked (outside the lock)
// whenever the breaker's state changes.
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// admit decides, under lock, whether the call may proceed, and if so
// whether this call is the lone HalfOpen probe.
func (b *Breaker) admit() (proceed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, nil
	case Open:
		if time.Since(b.openedAt) < b.config.ResetTimeout {
			return false, fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		b.setStateLocked(HalfOpen)
		b.halfOpenInFlight = true
		return true, nil
	case HalfOpen:
		if b.halfOpenInFlight {
			return false, fmt.Errorf("circuit breaker %s is half-open (probe in flight)", b.config.Name)
		}
		b.halfOpenInFlight = true
		return true, nil
	default:
		return false, fmt.Errorf("circuit breaker %s: unknown state", b.config.Name)
	}
}

func (b *Breaker) register(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHalfOpen := b.state == HalfOpen
	if wasHalfOpen {
		b.halfOpenInFlight = false
	}

	if err != nil {
		b.lastError = err
		if wasHalfOpen {
			b.setStateLocked(Open)
			b.openedAt = time.Now()
			return
		}
		b.consecutiveFailures++
		if b.state == Closed && b.consecutiveFailures >= b.config.FailureThreshold {
			b.setStateLocked(Open)
			b.openedAt = time.Now()
		}
		return
	}

	if wasHalfOpen {
		b.setStateLocked(Closed)
	}
	b.consecutiveFailures = 0
	b.lastSuccess = time.Now()
}

// Execute runs fn under breaker protection: fn is skipped and a rejection
// error returned immediately if the breaker will not admit the call.
func (b *Breaker) Execute(fn func() error) error {
	proceed, rejectErr := b.admit()
	if !proceed {
		return rejectErr
	}

	err := fn()
	b.register(err)
	return err
}

func (b *Breaker) setStateLocked(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":   b.config.Name,
			"old_state": old.String(),
			"new_state": newState.String(),
		}).Info("circuit breaker state changed")
	}
	if b.onStateChange != nil {
		cb := b.onStateChange
		go cb(old, newState)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

// OpenedFor reports how long the breaker has been continuously Open or
// HalfOpen since it last tripped; zero if currently Closed.
func (b *Breaker) OpenedFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return 0
	}
	return time.Since(b.openedAt)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		LastError:           b.lastError,
		LastSuccess:         b.lastSuccess,
	}
}

// Reset forces the breaker back to Closed, used by the dispatcher worker's
// recovery flow after it has restarted the sink.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(Closed)
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
	b.openedAt = time.Time{}
}
