// Package resilience provides the failover primitives behind the synthesis
// chain: a three-state circuit breaker and a generic fallback group pairing
// each provider with its own breaker, so a dead engine is bypassed instead of
// stalling every clause for its timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while calls are
// rejected and the reset window has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// State is a [CircuitBreaker] operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset window
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is how many consecutive failures open a closed breaker.
	// Defaults to 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects before probing.
	// Defaults to 30s.
	ResetTimeout time.Duration

	// ProbeBudget is how many half-open calls are admitted before the
	// breaker must decide. Defaults to 3.
	ProbeBudget int

	// Logger receives state transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker tracks consecutive failures and cuts a provider off once it
// is clearly down, probing it again after the reset window.
type CircuitBreaker struct {
	name         string
	logger       *slog.Logger
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last failure; starts the reset window
	probes   int       // calls admitted during the current half-open period
	probeOK  int       // successful probes in that period
}

// NewCircuitBreaker builds a breaker from cfg, filling in defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		logger:       logger,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.ProbeBudget,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects it. Open breakers return
// [ErrCircuitOpen] without calling fn; half-open breakers admit fn as a probe
// while the budget lasts.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probe)
	} else {
		cb.recordSuccess(probe)
	}
	return err
}

// admit decides whether a call may proceed, reporting whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		cb.logger.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// recordFailure re-opens on a failed probe, otherwise counts toward the trip
// threshold. Caller holds mu.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.openedAt = time.Now()

	if probe {
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		cb.logger.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.logger.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures,
		)
	}
}

// recordSuccess closes the breaker once the probe budget succeeds, or clears
// the failure streak while closed. Caller holds mu.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if probe {
		cb.probeOK++
		// A concurrent probe may have re-opened the breaker; a straggling
		// success must not close it from there.
		if cb.state == StateHalfOpen && cb.probeOK >= cb.probeBudget {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeOK = 0
			cb.logger.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the breaker's mode. An open breaker whose reset window has
// elapsed reads as half-open; the stored transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.logger.Info("circuit breaker reset", "name", cb.name)
}
