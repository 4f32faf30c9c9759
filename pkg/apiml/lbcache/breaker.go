// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lbcache

import (
	"sync"
	"time"

	"github.com/stacklok/apigw/pkg/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	// CircuitClosed indicates normal operation - remote calls pass through
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates failing state - remote calls are skipped
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing - one remote call is let through
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker guards the remote tier. It transitions
// Closed → Open after failureThreshold consecutive failures, Open → HalfOpen
// once timeout has elapsed, and HalfOpen → Closed or back to Open depending
// on the outcome of the single trial call.
type circuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	failureThreshold int
	timeout          time.Duration

	lastStateChange time.Time

	// For half-open state management
	halfOpenTestInProgress bool

	now func() time.Time
}

func newCircuitBreaker(failureThreshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		lastStateChange:  time.Now(),
		now:              time.Now,
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state
	cb.failureCount = 0
	cb.halfOpenTestInProgress = false

	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		cb.lastStateChange = cb.now()
		if previousState == CircuitHalfOpen {
			logger.Info("Remote cache circuit CLOSED (recovery successful)")
		}
	}
}

// RecordFailure counts a failure and opens the circuit when the threshold
// is reached or the half-open trial failed.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.halfOpenTestInProgress = false

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.lastStateChange = cb.now()
			logger.Warn("Remote cache circuit OPENED (threshold exceeded)")
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastStateChange = cb.now()
		logger.Warn("Remote cache circuit returned to OPEN from half-open (recovery failed)")
	case CircuitOpen:
	}
}

// CanAttempt reports whether a remote call may be made now.
func (cb *circuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.timeout {
			cb.state = CircuitHalfOpen
			cb.lastStateChange = cb.now()
			cb.halfOpenTestInProgress = true
			return true
		}
		return false

	case CircuitHalfOpen:
		// Only allow one trial call at a time in half-open state
		if cb.halfOpenTestInProgress {
			return false
		}
		cb.halfOpenTestInProgress = true
		return true

	default:
		return false
	}
}

// State returns the current state.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
