// Package utils provides utility functions and circuit breaker implementation
package utils

import (
	"context"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker guards calls to the bank API. After failureThreshold
// consecutive failures the breaker opens; after resetTimeout it lets one
// probe through (half-open) and closes again on success.
type CircuitBreaker struct {
	name string

	failureThreshold int32
	resetTimeout     time.Duration
	callTimeout      time.Duration

	state        int32
	failures     int32
	lastFailTime int64

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
}

// CircuitBreakerConfig holds configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int32
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		callTimeout:      config.CallTimeout,
		state:            int32(StateClosed),
	}
}

// Call executes a function with circuit breaker protection. The call runs
// under the breaker's timeout in addition to any deadline already on ctx.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.canExecute() {
		return &CircuitBreakerError{Name: cb.name, State: cb.getState()}
	}

	callCtx := ctx
	if cb.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.callTimeout)
		defer cancel()
	}

	err := fn(callCtx)

	atomic.AddInt64(&cb.totalRequests, 1)
	if err != nil {
		cb.recordFailure()
		atomic.AddInt64(&cb.totalFailures, 1)
		return err
	}

	cb.recordSuccess()
	atomic.AddInt64(&cb.totalSuccesses, 1)
	return nil
}

// canExecute determines if a call can be made based on current state
func (cb *CircuitBreaker) canExecute() bool {
	switch cb.getState() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.shouldAttemptReset() {
			cb.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailTime, time.Now().UnixNano())

	if atomic.LoadInt32(&cb.failures) >= cb.failureThreshold {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	atomic.StoreInt32(&cb.failures, 0)
	if cb.getState() == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	lastFailTime := atomic.LoadInt64(&cb.lastFailTime)
	if lastFailTime == 0 {
		return false
	}
	return time.Since(time.Unix(0, lastFailTime)) >= cb.resetTimeout
}

// GetState returns current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return cb.getState()
}

func (cb *CircuitBreaker) getState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	atomic.StoreInt32(&cb.state, int32(state))
}

// GetMetrics returns current circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	return CircuitBreakerMetrics{
		State:           cb.getState(),
		TotalRequests:   atomic.LoadInt64(&cb.totalRequests),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalSuccesses:  atomic.LoadInt64(&cb.totalSuccesses),
		CurrentFailures: atomic.LoadInt32(&cb.failures),
	}
}

// CircuitBreakerMetrics holds circuit breaker performance metrics
type CircuitBreakerMetrics struct {
	State           CircuitBreakerState `json:"state"`
	TotalRequests   int64               `json:"total_requests"`
	TotalFailures   int64               `json:"total_failures"`
	TotalSuccesses  int64               `json:"total_successes"`
	CurrentFailures int32               `json:"current_failures"`
}

// CircuitBreakerError is returned when the breaker rejects a call.
type CircuitBreakerError struct {
	Name  string
	State CircuitBreakerState
}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker " + e.Name + " is open"
}
