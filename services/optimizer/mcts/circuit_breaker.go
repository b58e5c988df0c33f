// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int32

const (
	// BreakerClosed allows all calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows a single probe call through.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the agent collaborator against a failing LLM
// backend. Consecutive transport failures trip the breaker; once open it
// fails fast instead of burning the time budget on calls that cannot
// succeed. After ResetTimeout a single probe is allowed through, and a
// success closes the breaker again.
//
// Thread Safety: safe for concurrent use.
type CircuitBreaker struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing
	// a probe call.
	ResetTimeout time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker with the given limits.
// Non-positive arguments fall back to 3 failures and 30 seconds.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{FailureThreshold: threshold, ResetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the reset timeout has elapsed, at which point the
// breaker moves to half-open and admits one probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.openedAt) < cb.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		return nil
	case BreakerHalfOpen:
		// Probe already in flight.
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = BreakerClosed
}

// RecordFailure counts a failure and trips the breaker at the threshold.
// A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
}

// State returns the breaker's current mode.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
