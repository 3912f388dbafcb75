// Package circuit provides the circuit breaker used around external collaborators
// and, in latched mode, as the self-disable switch of the eHash coordinators.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/ehash/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // Wait before going half-open; zero latches the breaker open
	ResetTimeout    time.Duration // Idle period after which the failure count resets; zero disables
	Now             func() time.Time
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Latched returns a configuration that opens after maxFailures consecutive
// failures and stays open until Reset.
func Latched(maxFailures int) *Config {
	return &Config{
		MaxFailures:     maxFailures,
		SuccessRequired: 1,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: config.Now(),
	}
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.Allow() {
		return cb.openError()
	}

	err := fn()
	cb.Record(err)

	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.Allow() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.Record(err)

	return result, err
}

func (cb *Breaker) openError() *errors.ServiceError {
	return errors.New(errors.ErrorTypeExhausted, "circuit_breaker",
		"circuit breaker is open").
		WithContext("state", cb.GetState().String())
}

// Allow determines if a request should be allowed based on current state
func (cb *Breaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.config.Now()

	switch cb.state {
	case StateClosed:
		if cb.config.ResetTimeout > 0 && now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true

	case StateOpen:
		if cb.config.Timeout > 0 && now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// Record records the outcome of a call. It reports whether this call opened the circuit.
func (cb *Breaker) Record(err error) (opened bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.config.Now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
			return true
		} else if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
			return true
		}
		return false
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.config.Now()
		}
	case StateClosed:
		// Only consecutive failures count toward opening.
		cb.failures = 0
		cb.successes++
	}
	return false
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.config.Now()
}
