// Package reliability provides the shared operational substrate consumed by
// every pipeline stage: circuit breakers around unreliable collaborators, a
// durable dead-letter queue for failed operations, and a compensation-based
// transaction manager used to make multi-step graph writes reversible.
package reliability

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/common"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerMetrics is a point-in-time view of a breaker.
type BreakerMetrics struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalFailures       int64        `json:"total_failures"`
	TotalSuccesses      int64        `json:"total_successes"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// CircuitBreaker guards calls to one unreliable collaborator. Only
// operation-level failures count toward opening; callers must not report
// domain "no results" outcomes as failures.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	state            BreakerState
	failures         int
	totalFailures    int64
	totalSuccesses   int64
	openedAt         time.Time
	failureThreshold int
	coolDown         time.Duration
	probeInFlight    bool
	now              func() time.Time
	logger           *logrus.Entry
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // default 5
	CoolDown         time.Duration // default 60s
	Logger           *logrus.Entry
	Now              func() time.Time // test hook
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		coolDown:         cfg.CoolDown,
		now:              cfg.Now,
		logger:           cfg.Logger.WithField("breaker", cfg.Name),
	}
}

// Call runs fn under the breaker. When the breaker is open (and the cool-down
// has not elapsed) it fails fast with KindCircuitOpen without invoking fn.
// In half-open state a single probe call is allowed; concurrent callers fail
// fast until the probe resolves.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.coolDown {
			return common.NewError(common.KindCircuitOpen, "circuit %s is open", cb.name)
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		cb.logger.Info("circuit half-open, probing")
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return common.NewError(common.KindCircuitOpen, "circuit %s is probing", cb.name)
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.totalSuccesses++
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.logger.Info("circuit closed after successful probe")
		}
		return
	}

	cb.totalFailures++
	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	}
}

// trip moves the breaker to open. Caller holds the lock.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.logger.WithField("consecutive_failures", cb.failures).Warn("circuit opened")
}

// Reset forces the breaker closed and clears the failure count. Used by the
// recovery controller's reset_cb strategy.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
	cb.logger.Info("circuit reset")
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenSince returns how long the breaker has been open, or zero when not
// open. The degradation manager uses this for the local-queue trigger.
func (cb *CircuitBreaker) OpenSince() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return cb.now().Sub(cb.openedAt)
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := BreakerMetrics{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
	}
	if cb.state == StateOpen {
		opened := cb.openedAt
		m.OpenedAt = &opened
	}
	return m
}
