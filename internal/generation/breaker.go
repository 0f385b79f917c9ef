package generation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Check while a provider is suspended.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow through
	CircuitOpen                         // calls short-circuit to the fallback
	CircuitHalfOpen                     // one probe call allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker counts provider failures per provider name and opens the
// circuit when failures within the window reach the threshold. It is an
// in-process optimisation only; nothing about it is persisted.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerCircuit
	threshold int
	window    time.Duration
	now       func() time.Time
}

type providerCircuit struct {
	failures      []time.Time
	state         CircuitState
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a circuit breaker. Non-positive arguments fall
// back to 5 failures in 60s.
func NewCircuitBreaker(threshold int, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &CircuitBreaker{
		providers: make(map[string]*providerCircuit),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Check returns nil when a call to provider may proceed. After the window
// elapses an open circuit admits a single probe.
func (cb *CircuitBreaker) Check(provider string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pc, ok := cb.providers[provider]
	if !ok {
		return nil
	}
	switch pc.state {
	case CircuitOpen:
		if cb.now().Sub(pc.openedAt) > cb.window {
			pc.state = CircuitHalfOpen
			pc.probeInFlight = true
			return nil
		}
		return fmt.Errorf("provider %s: %w", provider, ErrCircuitOpen)
	case CircuitHalfOpen:
		if pc.probeInFlight {
			return fmt.Errorf("provider %s probe in progress: %w", provider, ErrCircuitOpen)
		}
		pc.probeInFlight = true
	}
	return nil
}

// RecordFailure records a failed provider call. A failed probe reopens the
// circuit immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pc, ok := cb.providers[provider]
	if !ok {
		pc = &providerCircuit{}
		cb.providers[provider] = pc
	}
	now := cb.now()

	if pc.state == CircuitHalfOpen {
		pc.state = CircuitOpen
		pc.openedAt = now
		pc.probeInFlight = false
		return
	}

	cutoff := now.Add(-cb.window)
	kept := pc.failures[:0]
	for _, t := range pc.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	pc.failures = append(kept, now)

	if len(pc.failures) >= cb.threshold {
		pc.state = CircuitOpen
		pc.openedAt = now
	}
}

// RecordSuccess closes a half-open circuit and clears the failure history.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pc, ok := cb.providers[provider]
	if !ok {
		return
	}
	pc.state = CircuitClosed
	pc.failures = nil
	pc.probeInFlight = false
}

// Reset forgets everything about provider.
func (cb *CircuitBreaker) Reset(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.providers, provider)
}

// State returns the current circuit state for provider.
func (cb *CircuitBreaker) State(provider string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pc, ok := cb.providers[provider]; ok {
		return pc.state
	}
	return CircuitClosed
}
