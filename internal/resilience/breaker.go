package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation, calls pass through
	StateOpen                         // tripped, calls rejected immediately
	StateHalfOpen                     // probing, a bounded number of trial calls allowed
)

func (s BreakerState) String() string {
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

// Breaker implements a circuit breaker guarding one exchange session.
// After failureThreshold consecutive failures it opens and rejects all calls
// for resetTimeout. After the timeout it enters half-open and allows up to
// halfOpenMaxCalls trial calls; a trial success closes it, a trial failure
// reopens it immediately.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	halfOpenCalls    int
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
	lastFailure      time.Time

	// OnStateChange, when set, is called on every transition. Used for
	// metrics; must not block.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMaxCalls int) *Breaker {
	if halfOpenMaxCalls < 1 {
		halfOpenMaxCalls = 1
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
	}
}

// Do runs fn through the breaker. Returns ErrCircuitOpen without calling fn
// when the breaker is open, or when the half-open trial budget is in use.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 0
		fallthrough
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == StateHalfOpen {
			// Probe failed, reopen.
			b.transition(StateOpen)
		} else if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
		}
		return err
	}

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
