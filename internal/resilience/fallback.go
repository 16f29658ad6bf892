package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup]: the breaker settings stamped
// onto every entry and the logger failover decisions go to.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives skip and failover lines. Defaults to slog.Default().
	Logger *slog.Logger
}

// fallbackEntry pairs one provider with its dedicated breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of one provider
// type, tried in registration order. An entry whose breaker is open is
// skipped without being called, so one dead engine costs nothing per attempt.
//
// FallbackGroup is safe for concurrent use once registration is done.
type FallbackGroup[T any] struct {
	logger  *slog.Logger
	cbCfg   CircuitBreakerConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup starts a group with primary as its first entry. Register
// fallbacks with [FallbackGroup.AddFallback] before first use.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cbCfg := cfg.CircuitBreaker
	cbCfg.Logger = logger

	fg := &FallbackGroup[T]{logger: logger, cbCfg: cbCfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends one provider, tried after everything registered before
// it.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cbCfg
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Active returns the provider the next Execute will try first: the first
// entry without an open breaker, or the primary when every breaker is open.
func (fg *FallbackGroup[T]) Active() T {
	for i := range fg.entries {
		if fg.entries[i].breaker.State() != StateOpen {
			return fg.entries[i].value
		}
	}
	return fg.entries[0].value
}

// Execute tries fn against each healthy entry in order until one succeeds.
// Returns [ErrAllFailed] wrapping the last error when none does.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. Package-level because methods cannot add type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			fg.logger.Debug("skipping provider, circuit open", "provider", entry.name)
		} else {
			fg.logger.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
