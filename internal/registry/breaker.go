package registry

import (
	"sync"
	"time"
)

// Circuit breaker states. One breaker per registered handler, owned by the
// registry and never shared.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerState is a snapshot of a handler's circuit breaker for the stats
// surface.
type BreakerState struct {
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// circuitBreaker is a small explicit state machine:
// closed → open → half-open → {closed | open}.
//
//   - Closed: calls proceed; consecutive failures are counted.
//   - Open: calls are rejected until the window elapses, then one trial
//     call is let through (half-open).
//   - Half-open: exactly one in-flight trial; its outcome decides the
//     next state.
//
// The clock is injectable so transitions are testable without timers.
type circuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time

	threshold int
	window    time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, window time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. An open breaker whose window
// has elapsed transitions to half-open and admits the single trial call;
// further calls are rejected until the trial's outcome is recorded.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailure) >= b.window {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Trial call already in flight.
		return false
	default:
		return true
	}
}

// recordResult feeds an execution outcome into the state machine. Success
// closes the breaker and resets the failure count; failure re-opens a
// half-open breaker immediately, or opens a closed one at the threshold.
func (b *circuitBreaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = breakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

func (b *circuitBreaker) snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerState{
		State:         b.state.String(),
		Failures:      b.failures,
		LastFailureAt: b.lastFailure,
	}
}
