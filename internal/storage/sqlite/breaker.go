package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of the repair throttle.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const repairResetTimeout = time.Minute

// ErrRepairThrottled is returned when the throttle is open and rejecting
// repair attempts.
var ErrRepairThrottled = errors.New("repair throttled")

// Breaker throttles repair attempts process-wide so a persistently failing
// database cannot trigger a repair storm. It complements the per-call
// one-shot repair rule in the retry driver. States: CLOSED (attempts pass
// through) -> OPEN (rejecting) -> HALF_OPEN (single probe) -> CLOSED.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing
}

// NewBreaker creates a breaker with the given consecutive-failure threshold
// and reset timeout.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// Execute runs fn through the breaker. Returns ErrRepairThrottled if the
// breaker is open and the reset timeout hasn't elapsed.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		err := fn()
		b.mu.Lock()
		if err != nil {
			b.failures++
			if b.failures >= b.threshold {
				b.state = StateOpen
				b.lastFailure = b.nowFunc()
			}
		} else {
			b.failures = 0
		}
		b.mu.Unlock()
		return err

	case StateOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.resetTimeout {
			// Transition to half-open: allow one probe attempt.
			b.state = StateHalfOpen
			b.mu.Unlock()
			err := fn()
			b.mu.Lock()
			if err != nil {
				b.state = StateOpen
				b.lastFailure = b.nowFunc()
			} else {
				b.state = StateClosed
				b.failures = 0
			}
			b.mu.Unlock()
			return err
		}
		b.mu.Unlock()
		return ErrRepairThrottled

	case StateHalfOpen:
		// Only one probe allowed per reset cycle.
		b.mu.Unlock()
		return ErrRepairThrottled

	default:
		b.mu.Unlock()
		return ErrRepairThrottled
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
