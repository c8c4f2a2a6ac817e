// Package breaker implements the per-key circuit breaker consumed by the
// vision primitives client, adapted from
// Lens/modules/core/pkg/aiclient/circuit_breaker.go (there keyed by AI topic;
// here keyed by a caller-chosen string; internal/visionclient keeps all its
// state under the single key "vision").
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker's three-state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker implements the circuit breaker pattern: opens after Threshold
// consecutive failures, stays open for Timeout, then allows a bounded number
// of half-open probe calls before fully closing or reopening.
type Breaker struct {
	mu               sync.Mutex
	threshold        int
	timeout          time.Duration
	halfOpenMaxCalls int
	circuits         map[string]*circuit
}

type circuit struct {
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	halfOpenCalls int
}

// New creates a Breaker. threshold<=0 and timeout==0 fall back to the
// defaults (5 failures, 60s).
func New(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Breaker{
		threshold:        threshold,
		timeout:          timeout,
		halfOpenMaxCalls: 1, // half-open allows a single trial call
		circuits:         make(map[string]*circuit),
	}
}

// Allow reports whether a call for key may proceed. It also performs the
// Open -> HalfOpen transition when the recovery timeout has elapsed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case Open:
		if time.Since(c.lastFailure) > b.timeout {
			c.state = HalfOpen
			c.halfOpenCalls = 1 // this call is the half-open probe
			return true
		}
		return false
	case HalfOpen:
		if c.halfOpenCalls >= b.halfOpenMaxCalls {
			return false
		}
		c.halfOpenCalls++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit if it was half-open and resets the
// failure streak.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(key)
	c.successes++
	c.failures = 0
	if c.state == HalfOpen {
		c.state = Closed
		c.halfOpenCalls = 0
	}
}

// RecordFailure bumps the failure streak and opens the circuit once the
// threshold is reached (or immediately re-opens a half-open probe failure).
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(key)
	c.failures++
	c.successes = 0
	c.lastFailure = time.Now()

	if c.failures >= b.threshold {
		c.state = Open
	}
	if c.state == HalfOpen {
		c.state = Open
	}
}

// State returns the current state for key (Closed if never seen).
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return Closed
}

// RetryAfterSeconds returns the seconds remaining until the circuit for key
// may transition out of Open, for use in the ServiceUnavailableError hint.
func (b *Breaker) RetryAfterSeconds(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok || c.state != Open {
		return 0
	}
	remaining := b.timeout - time.Since(c.lastFailure)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

func (b *Breaker) getOrCreate(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[key] = c
	}
	return c
}
