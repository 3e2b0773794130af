package breaker

import (
	"sync"
	"time"

	"github.com/sentinelops/healthd/internal/models"
)

// State enumerates breaker positions.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// halfOpenSuccesses is how many consecutive successes close a half-open
// breaker.
const halfOpenSuccesses = 3

// Breaker is a per-target circuit breaker guarding recovery attempts.
// The open -> half_open transition is lazy: it happens when CanExecute is
// polled after the timeout, not on a timer. All mutation goes through
// CanExecute, RecordSuccess and RecordFailure.
type Breaker struct {
	mu sync.Mutex

	target           string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	timeout          time.Duration
	lastFailureTime  time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a closed breaker for the target. A non-positive threshold
// defaults to 3 and a non-positive timeout to one minute.
func New(target string, failureThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Breaker{
		target:           target,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// CanExecute reports whether an attempt against the target may proceed.
// Polling an open breaker past its timeout flips it to half_open and allows
// the attempt.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful attempt. Three consecutive successes in
// half_open close the breaker and reset its failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed attempt. Reaching the threshold opens the
// breaker; any failure while half_open re-opens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.failureCount++
	default:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
		}
	}
}

// State returns a read-only snapshot of the breaker.
func (b *Breaker) State() models.BreakerStateView {
	b.mu.Lock()
	defer b.mu.Unlock()

	return models.BreakerStateView{
		Target:           b.target,
		State:            string(b.state),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		Timeout:          b.timeout,
		LastFailureTime:  b.lastFailureTime,
	}
}

// Registry hands out one breaker per target, creating them lazily with
// shared defaults.
type Registry struct {
	mu               sync.RWMutex
	breakers         map[string]*Breaker
	failureThreshold int
	timeout          time.Duration
}

// NewRegistry creates an empty registry with defaults for lazy creation.
func NewRegistry(failureThreshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

// For returns the breaker owned by the target, creating it if necessary.
func (r *Registry) For(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = New(target, r.failureThreshold, r.timeout)
	r.breakers[target] = b
	return b
}

// States snapshots every known breaker keyed by target.
func (r *Registry) States() map[string]models.BreakerStateView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]models.BreakerStateView, len(r.breakers))
	for target, b := range r.breakers {
		states[target] = b.State()
	}
	return states
}
