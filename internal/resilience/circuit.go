// Package resilience holds the failure-handling pieces shared by the
// connectors and the sink: transient-error classification, bounded retry
// with backoff, a circuit breaker for the REST API, and dead-letter capture
// for records that could not be parsed.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned without calling the upstream when the breaker
// is open. The selector classifies it as a connectivity failure, so an open
// breaker triggers replay substitution the same way a timeout would.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig sets when the breaker trips and how long it stays
// open before allowing a probe.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is how long an open circuit rejects calls before letting
	// a single probe through.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig trips after five straight failures and probes
// again after thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker fails calls fast once an upstream has proven unreachable.
// Without it, a dead API makes every entity type wait out its own full
// timeout; with it, the first few failures convert the rest of the run into
// immediate ErrCircuitOpen and the replay fallback takes over.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	fails    int       // consecutive failures while closed
	openedAt time.Time // when the circuit last opened
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: CircuitClosed}
}

// Execute runs fn unless the circuit is open, and feeds the outcome back
// into the breaker state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.observe(err)
	return err
}

// ExecuteVal is Execute for calls with a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if !cb.admit() {
		var zero T
		return zero, ErrCircuitOpen
	}
	val, err := fn(ctx)
	cb.observe(err)
	return val, err
}

// State reports the breaker position, accounting for an open circuit whose
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed. Operator escape hatch for when the
// upstream is known to be back before the timeout elapses.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.fails = 0
}

// admit decides whether a call may proceed, moving an expired open circuit
// to half-open so exactly the calls after the reset timeout act as probes.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
	}
	return true
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		// A successful probe closes the circuit; successes while closed
		// clear the failure run.
		cb.state = CircuitClosed
		cb.fails = 0
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		// The probe failed, back to open for another full timeout.
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	case CircuitClosed:
		cb.fails++
		if cb.fails >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.now()
		}
	}
}

// ServiceBreakers hands out one breaker per upstream service, so the API
// and the warehouse trip independently.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers builds a registry; every breaker it creates shares cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: map[string]*CircuitBreaker{}}
}

// Get returns the breaker for service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb, ok := sb.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(sb.cfg)
		sb.breakers[service] = cb
	}
	return cb
}
