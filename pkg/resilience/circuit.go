// Package resilience provides a circuit breaker for calls to external
// providers (embedding, LLM, vector store) that can degrade or fail.
package resilience

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls pass through normally.
	StateClosed State = iota
	// StateOpen means calls are rejected without attempting the provider.
	StateOpen
	// StateHalfOpen means a single trial call is allowed to test recovery.
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

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is consecutive failures before tripping open.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// a half-open trial.
	RecoveryTimeout time.Duration
}

// Breaker implements the circuit breaker pattern around an external call.
type Breaker struct {
	mu     sync.Mutex
	config Config

	state           State
	consecutiveFail int
	lastOpenTime    time.Time

	successCount int
	failureCount int
}

// NewBreaker creates a circuit breaker with the given config, applying
// defaults for zero fields.
func NewBreaker(config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{config: config, state: StateClosed}
}

// Allow reports whether a call should be attempted, transitioning
// Open -> HalfOpen once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastOpenTime) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.consecutiveFail = 0
	b.state = StateClosed
}

// RecordFailure reports a failed call, tripping the circuit open once
// consecutive failures reach the threshold (or immediately on a failed
// half-open trial).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	if b.state == StateHalfOpen {
		b.tripOpen()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.config.FailureThreshold {
		b.tripOpen()
	}
}

func (b *Breaker) tripOpen() {
	b.state = StateOpen
	b.lastOpenTime = time.Now()
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually restores the circuit to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
}

// Stats reports breaker counters.
type Stats struct {
	State        State
	SuccessCount int
	FailureCount int
}

// Stats returns a snapshot of breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, SuccessCount: b.successCount, FailureCount: b.failureCount}
}
